// Copyright 2021-2022 The sockroute Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session signs and verifies the bearer tokens carried by channel events
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/sockroute/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// UnauthorizedMessage is the error message reported to a client whose event failed the
// token check
const UnauthorizedMessage = "Unauthorized access: No valid session found."

// ErrUnauthorized is returned when a credential can not be turned into a session
var ErrUnauthorized = errors.New("unauthorized")

// Payload is the decoded content of a verified session token
type Payload map[string]interface{}

// Validator verifies and issues signed session tokens
type Validator interface {
	// Verify verifies a bearer credential and return its decoded payload
	Verify(credential string) (Payload, error)
	// Sign issue a new token for the payload, valid for ttl. A zero ttl means no expiry.
	Sign(payload Payload, ttl time.Duration) (string, error)
}

// hmacValidator implements Validator with HMAC signed JWTs
type hmacValidator struct {
	common.Component
	secret []byte
	parser *jwt.Parser
}

// GetHMACValidator define a new HMAC JWT session Validator
//
// An empty secret is accepted; every Verify then fails as unauthorized.
func GetHMACValidator(secret string) Validator {
	logTags := log.Fields{
		"module": "session", "component": "hmac-validator",
	}
	return &hmacValidator{
		Component: common.Component{LogTags: logTags},
		secret:    []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{
				jwt.SigningMethodHS256.Alg(),
				jwt.SigningMethodHS384.Alg(),
				jwt.SigningMethodHS512.Alg(),
			}),
		),
	}
}

// StripScheme remove a leading "Bearer" scheme and surrounding whitespace from a
// credential
func StripScheme(credential string) string {
	trimmed := strings.TrimSpace(credential)
	if len(trimmed) >= 6 && strings.EqualFold(trimmed[:6], "bearer") {
		rest := trimmed[6:]
		if rest == "" || rest[0] == ' ' || rest[0] == '\t' {
			trimmed = strings.TrimSpace(rest)
		}
	}
	return trimmed
}

// Verify verifies a bearer credential and return its decoded payload
func (v *hmacValidator) Verify(credential string) (Payload, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrUnauthorized)
	}
	token := StripScheme(credential)
	if token == "" {
		return nil, fmt.Errorf("%w: no credential", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(
		token, claims, func(*jwt.Token) (interface{}, error) { return v.secret, nil },
	); err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Token rejected")
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, err.Error())
	}
	if len(claims) == 0 {
		return nil, fmt.Errorf("%w: empty session payload", ErrUnauthorized)
	}
	return Payload(claims), nil
}

// Sign issue a new token for the payload, valid for ttl
func (v *hmacValidator) Sign(payload Payload, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("no signing secret configured")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("can not sign an empty session payload")
	}
	claims := jwt.MapClaims{}
	for key, value := range payload {
		claims[key] = value
	}
	if ttl > 0 {
		now := time.Now()
		claims["iat"] = now.Unix()
		claims["exp"] = now.Add(ttl).Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Error("Failed to sign session token")
		return "", err
	}
	return signed, nil
}
