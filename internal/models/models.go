package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// User is an account with a prepaid balance in currency units.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Balance      float64   `db:"balance" json:"balance"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Conversation groups rounds under one participant/lead model selection.
type Conversation struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"-"`
	Title        string         `db:"title" json:"title"`
	Models       pq.StringArray `db:"models" json:"models"`
	LeadModel    string         `db:"lead_model" json:"lead_model"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	MessageCount int            `db:"message_count" json:"message_count"`
}

// Message is one conversation entry. User messages carry Content;
// assistant messages carry the three stage payloads as JSON.
type Message struct {
	ID             int64          `db:"id" json:"id"`
	ConversationID string         `db:"conversation_id" json:"-"`
	Role           string         `db:"role" json:"role"`
	Content        string         `db:"content" json:"content,omitempty"`
	Stage1         types.JSONText `db:"stage1" json:"stage1,omitempty"`
	Stage2         types.JSONText `db:"stage2" json:"stage2,omitempty"`
	Stage3         types.JSONText `db:"stage3" json:"stage3,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// CreditTransaction is one ledger entry: positive amounts are deposits,
// negative amounts are round debits.
type CreditTransaction struct {
	ID          int64     `db:"id" json:"id"`
	UserID      string    `db:"user_id" json:"-"`
	Amount      float64   `db:"amount" json:"amount"`
	Kind        string    `db:"kind" json:"kind"`
	Description string    `db:"description" json:"description"`
	RoundID     *string   `db:"round_id" json:"round_id,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RegisterRequest is the body of POST /api/auth/register.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// CreateConversationRequest is the body of POST /api/conversations.
type CreateConversationRequest struct {
	Models    []string `json:"models"`
	LeadModel string   `json:"lead_model"`
}

// SendMessageRequest is the body of the message endpoints.
type SendMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// DepositRequest is the body of POST /api/balance/deposit.
type DepositRequest struct {
	Amount float64 `json:"amount" binding:"required,gt=0"`
}
