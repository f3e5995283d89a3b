package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentsupervisor/server/internal/auth"
	"github.com/agentsupervisor/server/internal/db"
	"github.com/agentsupervisor/server/internal/store"
)

// UserHandler groups all user-related HTTP handlers. Admin-only routes
// (List, GetByID, Update, Delete) are protected by RequireRole("admin") in
// the router. UserHandler has no self-service routes; a user's own profile is
// served by GET /api/auth/profile.
type UserHandler struct {
	users  store.UserStore
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users store.UserStore, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger.Named("user_handler")}
}

// userResponse is the JSON representation of a user. Password and OIDCSub
// are intentionally omitted — write-only or internal fields that must never
// be exposed via the API.
type userResponse struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	DisplayName string  `json:"displayName"`
	Role        string  `json:"role"`
	IsActive    bool    `json:"isActive"`
	IsOIDC      bool    `json:"isOidc"`
	LastLoginAt *string `json:"lastLoginAt,omitempty"`
	CreatedAt   string  `json:"createdAt"`
}

func userToResponse(u *db.User) userResponse {
	resp := userResponse{
		ID:          u.ID.String(),
		Username:    u.Username,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		IsActive:    u.IsActive,
		IsOIDC:      u.OIDCProvider != "",
		CreatedAt:   u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if u.LastLoginAt != nil {
		s := u.LastLoginAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.LastLoginAt = &s
	}
	return resp
}

// listUsersResponse wraps a paginated list of users.
type listUsersResponse struct {
	Items []userResponse `json:"items"`
	Total int64          `json:"total"`
}

// isValidRole reports whether role is one of the three roles in the
// hierarchy enforced by RequireRole/RequireOperator.
func isValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// -----------------------------------------------------------------------------
// Admin handlers
// -----------------------------------------------------------------------------

// List handles GET /api/users (admin only).
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	_, _, opts := pageOpts(r)

	users, total, err := h.users.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list users", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]userResponse, len(users))
	for i := range users {
		items[i] = userToResponse(&users[i])
	}

	Ok(w, listUsersResponse{Items: items, Total: total})
}

// GetByID handles GET /api/users/{id} (admin only).
func (h *UserHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// updateUserRequest is the JSON body for PUT /api/users/{id} (admin only).
// All fields are optional. Password triggers a rehash if provided.
type updateUserRequest struct {
	DisplayName *string `json:"displayName"`
	Role        *string `json:"role"`
	IsActive    *bool   `json:"isActive"`
	Password    *string `json:"password"`
}

// Update handles PUT /api/users/{id} (admin only).
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.DisplayName != nil {
		if *req.DisplayName == "" {
			ErrBadRequest(w, "displayName cannot be empty")
			return
		}
		user.DisplayName = *req.DisplayName
	}
	if req.Role != nil {
		if !isValidRole(*req.Role) {
			ErrBadRequest(w, "role must be one of 'admin', 'operator', 'viewer'")
			return
		}
		user.Role = *req.Role
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
	}
	if req.Password != nil {
		if *req.Password == "" {
			ErrBadRequest(w, "password cannot be empty")
			return
		}
		hashed, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.logger.Error("failed to hash password", zap.Error(err))
			ErrInternal(w)
			return
		}
		user.Password = db.EncryptedString(hashed)
	}

	if err := h.users.Update(r.Context(), user); err != nil {
		h.logger.Error("failed to update user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// Delete handles DELETE /api/users/{id} (admin only).
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	// Prevent admins from deleting their own account to avoid lockout.
	claims := claimsFromCtx(r.Context())
	if claims != nil && claims.UserID == id.String() {
		ErrBadRequest(w, "cannot delete your own account")
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	OkMessage(w, "user deleted")
}
