// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// rolesDocument is the on-disk shape of the permission table:
//
//	roles:
//	  admin:
//	    - prefix: "Device."
//	      actions: [get, set, add, delete, operate]
//	  readonly:
//	    - prefix: "Device."
//	      actions: [get]
type rolesDocument struct {
	Roles map[string][]Rule `yaml:"roles"`
}

// ParseRoles decodes a permission table document and returns a
// StaticStore over it.
func ParseRoles(data []byte) (*StaticStore, error) {
	var doc rolesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("permission: parsing role table: %w", err)
	}
	for role, rules := range doc.Roles {
		for _, rule := range rules {
			if rule.Prefix == "" {
				return nil, fmt.Errorf("permission: role %q has a rule with an empty prefix", role)
			}
		}
	}
	return NewStaticStore(doc.Roles), nil
}
