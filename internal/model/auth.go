package model

// Tokens is the credential bundle returned by login and refresh.
type Tokens struct {
	AccessToken           string `json:"accessToken"`
	TokenType             string `json:"tokenType,omitempty"`
	UserID                string `json:"userId,omitempty"`
	RefreshToken          string `json:"refreshToken,omitempty"`
	RefreshTokenExpiresIn int    `json:"refreshTokenExpiresIn,omitempty"`
}
