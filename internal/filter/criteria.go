// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package filter

import "github.com/netSkope/crm-bulk-extractor/internal/bulkread"

// ToCriteria maps a filter tree onto the bulk-read API criteria structure.
// A nil node maps to nil. Child order is preserved.
func ToCriteria(n Node) *bulkread.Criteria {
	switch v := n.(type) {
	case *Criterion:
		c := &bulkread.Criteria{
			APIName:    v.field,
			Comparator: string(v.comparator),
		}
		if v.multi {
			c.Value = append([]string(nil), v.values...)
		} else {
			c.Value = v.values[0]
		}
		return c
	case *Group:
		c := &bulkread.Criteria{
			GroupOperator: string(v.operator),
			Group:         make([]*bulkread.Criteria, 0, len(v.children)),
		}
		for _, ch := range v.children {
			c.Group = append(c.Group, ToCriteria(ch))
		}
		return c
	default:
		return nil
	}
}
