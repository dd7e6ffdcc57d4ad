package dto

import "github.com/google/uuid"

type RegisterRequest struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	Password     string `json:"password"`
	ReferralCode string `json:"referral_code,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthResponse struct {
	AccessToken        string       `json:"access_token"`
	User               UserResponse `json:"user"`
	ReferralAttributed bool         `json:"referral_attributed"`
	ReferralNote       string       `json:"referral_note,omitempty"`
}

type UserResponse struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	ReferralCode string    `json:"referral_code"`
	CurrentRole  string    `json:"current_role"`
}

type ErrorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	DB        string `json:"db"`
}
