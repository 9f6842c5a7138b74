package apiclient

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const usersBasePath = "users"

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusPending  Status = "pending"
)

type User struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Role      Role      `json:"role"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CreateUser struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Role      Role   `json:"role"`
}

// UpdateUser is a partial update; nil fields are left unchanged.
type UpdateUser struct {
	Email     *string `json:"email,omitempty"`
	Name      *string `json:"name,omitempty"`
	FirstName *string `json:"firstName,omitempty"`
	LastName  *string `json:"lastName,omitempty"`
	Role      *Role   `json:"role,omitempty"`
	Status    *Status `json:"status,omitempty"`
}

type ListUsersParams struct {
	Page   int
	Limit  int
	Search string
	Role   Role
	Status Status
}

type PageMeta struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

type UserPage struct {
	Data []User   `json:"data"`
	Meta PageMeta `json:"meta"`
}

// UsersService exposes the users resource of the backend API.
type UsersService struct {
	c *Client
}

func (c *Client) Users() *UsersService { return &UsersService{c: c} }

func (s *UsersService) List(ctx context.Context, params ListUsersParams) (*UserPage, error) {
	q := url.Values{}
	if params.Page > 0 {
		q.Set("page", strconv.Itoa(params.Page))
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Search != "" {
		q.Set("search", params.Search)
	}
	if params.Role != "" {
		q.Set("role", string(params.Role))
	}
	if params.Status != "" {
		q.Set("status", string(params.Status))
	}

	var page UserPage
	if err := s.c.Get(ctx, usersBasePath, q, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *UsersService) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	if err := s.c.Get(ctx, usersBasePath+"/"+id.String(), nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UsersService) Create(ctx context.Context, in CreateUser) (*User, error) {
	var u User
	if err := s.c.Post(ctx, usersBasePath, in, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UsersService) Update(ctx context.Context, id uuid.UUID, in UpdateUser) (*User, error) {
	var u User
	if err := s.c.Patch(ctx, usersBasePath+"/"+id.String(), in, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UsersService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.c.Delete(ctx, usersBasePath+"/"+id.String())
}
