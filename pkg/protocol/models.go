package protocol

import "time"

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Participant is one room membership. ID identifies the membership record,
// UserID the account behind it.
type Participant struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	IsMuted      bool   `json:"is_muted"`
	IsVideoOn    bool   `json:"is_video_on"`
	IsHandRaised bool   `json:"is_hand_raised"`
	IsPresenting bool   `json:"is_presenting"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	HostID    string    `json:"host_id"`
	HostName  string    `json:"host_name"`
	CreatedAt time.Time `json:"created_at"`
	IsActive  bool      `json:"is_active"`
}

// User is the account shape returned by the auth endpoints.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// REST request/response bodies.
type (
	RegisterRequest struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}

	LoginRequest struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}

	AuthResponse struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		User        User   `json:"user"`
	}

	CreateRoomRequest struct {
		Name string `json:"name"`
	}

	JoinRoomRequest struct {
		Code string `json:"code"`
	}
)

// Media ingest exchange: the client posts an SDP offer, the server answers.
type (
	SessionDescription struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}

	MediaOfferRequest struct {
		Offer SessionDescription `json:"offer"`
	}

	MediaOfferResponse struct {
		Answer SessionDescription `json:"answer"`
	}
)
