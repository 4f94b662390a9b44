package contracts

// Claims is the verified identity attached to every authenticated request.
// The claim triple (TenantID, InstanceID, Source) must equal the
// corresponding fields of every scoped object the request touches; a
// mismatch scopes the object out of the caller's view.
type Claims struct {
	TenantID     string `json:"tenant_id"`
	InstanceID   string `json:"instance_id"`
	Source       string `json:"source"`
	ServiceScope string `json:"service_scope"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
	TokenID      string `json:"jti"`
	Issuer       string `json:"iss"`
	Subject      string `json:"sub"`
	Audience     string `json:"aud"`
}

// MatchesScope reports whether the claim triple equals the given object
// triple.
func (c Claims) MatchesScope(tenantID, instanceID, source string) bool {
	return c.TenantID == tenantID && c.InstanceID == instanceID && c.Source == source
}

// SourceMapping is a (tenant, instance) → source tuple plus the dynamic
// authorization attributes the Auth Control Plane maintains for it.
type SourceMapping struct {
	TenantID         string   `json:"tenant_id"`
	InstanceID       string   `json:"instance_id"`
	Source           string   `json:"source"`
	TenantState      string   `json:"tenant_state"`
	EntitlementState string   `json:"entitlement_state"`
	InstanceState    string   `json:"instance_state"`
	AllowedServices  []string `json:"allowed_services"`
}
