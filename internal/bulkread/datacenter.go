// Copyright (c) 2024 Netskope, Inc. All rights reserved.

package bulkread

import (
	"fmt"
	"strings"
)

// DataCenter holds the API and accounts endpoints of one CRM region.
type DataCenter struct {
	Code        string
	APIURL      string
	AccountsURL string
}

var dataCenters = map[string]DataCenter{
	"US": {Code: "US", APIURL: "https://www.zohoapis.com", AccountsURL: "https://accounts.zoho.com"},
	"EU": {Code: "EU", APIURL: "https://www.zohoapis.eu", AccountsURL: "https://accounts.zoho.eu"},
	"IN": {Code: "IN", APIURL: "https://www.zohoapis.in", AccountsURL: "https://accounts.zoho.in"},
	"CN": {Code: "CN", APIURL: "https://www.zohoapis.com.cn", AccountsURL: "https://accounts.zoho.com.cn"},
	"AU": {Code: "AU", APIURL: "https://www.zohoapis.com.au", AccountsURL: "https://accounts.zoho.com.au"},
	"JP": {Code: "JP", APIURL: "https://www.zohoapis.jp", AccountsURL: "https://accounts.zoho.jp"},
}

// LookupDataCenter resolves a region code (EU, US, CN, IN, AU, JP).
func LookupDataCenter(code string) (DataCenter, error) {
	dc, ok := dataCenters[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return DataCenter{}, fmt.Errorf("invalid data center code %q, must be one of EU, US, CN, IN, AU, JP", code)
	}
	return dc, nil
}
