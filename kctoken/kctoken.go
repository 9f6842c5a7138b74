// Package kctoken decodes Keycloak-issued access tokens and normalizes
// token responses into sessions.
//
// Tokens are decoded without signature verification: the access token is
// opaque to this client and is verified by the resource server. Nothing
// decoded here is used to grant access server-side; it only drives the
// client's own identity display and role gating.
package kctoken

import (
	"errors"
	"fmt"
	"slices"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/quillhq/adminauth/session"
)

// ErrInvalidTokenFormat is returned when an access token is not a
// well-formed three-part JWT or its payload is not valid JSON.
var ErrInvalidTokenFormat = errors.New("invalid token format")

// RoleAccess mirrors Keycloak's realm_access / resource_access claim shape.
type RoleAccess struct {
	Roles []string `json:"roles"`
}

// Payload is the subset of access token claims this client consumes.
type Payload struct {
	jwt.RegisteredClaims

	Email             string                `json:"email,omitempty"`
	Name              string                `json:"name,omitempty"`
	GivenName         string                `json:"given_name,omitempty"`
	FamilyName        string                `json:"family_name,omitempty"`
	PreferredUsername string                `json:"preferred_username,omitempty"`
	RealmAccess       RoleAccess            `json:"realm_access,omitempty"`
	ResourceAccess    map[string]RoleAccess `json:"resource_access,omitempty"`
}

// Decode parses the access token payload without verifying its signature.
func Decode(token string) (*Payload, error) {
	var payload Payload
	if _, _, err := jwt.NewParser().ParseUnverified(token, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTokenFormat, err)
	}

	return &payload, nil
}

// ExtractRoles returns the union of realm-level roles and the client-level
// roles for clientID, deduplicated and sorted.
func ExtractRoles(payload *Payload, clientID string) []string {
	roles := slices.Clone(payload.RealmAccess.Roles)
	roles = append(roles, payload.ResourceAccess[clientID].Roles...)

	slices.Sort(roles)
	roles = slices.Compact(roles)
	if roles == nil {
		roles = []string{}
	}

	return roles
}

// ExtractUser maps identity claims to a User. Email and name fall back to
// preferred_username when absent.
func ExtractUser(payload *Payload) *session.User {
	email := payload.Email
	if email == "" {
		email = payload.PreferredUsername
	}
	name := payload.Name
	if name == "" {
		name = payload.PreferredUsername
	}

	return &session.User{
		ID:        payload.Subject,
		Email:     email,
		Name:      name,
		FirstName: payload.GivenName,
		LastName:  payload.FamilyName,
	}
}

// BuildSession normalizes an identity-provider token into a session,
// deriving user and roles from the access token payload. The caller is
// responsible for carrying forward a previously known refresh or ID token
// when the response omits one.
func BuildSession(tok *oauth2.Token, clientID string) (*session.Session, error) {
	payload, err := Decode(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	idToken, _ := tok.Extra("id_token").(string)

	return &session.Session{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      idToken,
		ExpiresAt:    tok.Expiry.UnixMilli(),
		User:         ExtractUser(payload),
		Roles:        ExtractRoles(payload, clientID),
	}, nil
}
