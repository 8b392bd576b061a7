package middleware

import (
	"hydrocontrol/auth"
	"hydrocontrol/internal/utils"
)

var log = utils.Component("HTTP")

type MiddlewareManager struct {
	auth *auth.AuthModule
}

func NewMiddlewareManager(auth *auth.AuthModule) *MiddlewareManager {
	return &MiddlewareManager{auth: auth}
}
