package session

// Credential is the access/refresh token pair identifying an authenticated session.
//
// The pair is opaque: nothing in this package inspects claims,
// except for the best-effort expiry check in CredentialStore.IsLikelyValid.
type Credential struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

// IsZero reports whether neither token is set.
func (c Credential) IsZero() bool {
	return c.Token == "" && c.RefreshToken == ""
}

// Merge returns c with every non-empty field of partial applied on top of it.
//
// A refresh response that only carries a new access token keeps the previous refresh token (and vice versa).
func (c Credential) Merge(partial Credential) Credential {
	if partial.Token != "" {
		c.Token = partial.Token
	}

	if partial.RefreshToken != "" {
		c.RefreshToken = partial.RefreshToken
	}

	return c
}
