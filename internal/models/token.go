package models

// TokenPair is the credential pair issued by login-verify, google-login and
// refresh.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Valid reports whether the server returned an access token. A missing
// refresh token is legal, refresh will simply be impossible later.
func (p *TokenPair) Valid() bool {
	return p != nil && p.AccessToken != ""
}
