package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/chatroom-project/chatroom/internal/client"
	"github.com/chatroom-project/chatroom/internal/session"
)

// Outcome names the class of failure reported to the presentation layer.
type Outcome string

const (
	OutcomeBadPassword  Outcome = "bad_password"
	OutcomeNoChallenge  Outcome = "no_challenge"
	OutcomeBanned       Outcome = "banned"
	OutcomeRefused      Outcome = "refused"
	OutcomeServerFull   Outcome = "server_full"
	OutcomeRoomFull     Outcome = "room_full"
	OutcomeNotConnected Outcome = "not_connected"
	OutcomeDisconnected Outcome = "disconnected"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeProtocol     Outcome = "protocol_error"
	OutcomeInternal     Outcome = "internal"
)

// classify maps a client error to an HTTP status and outcome.
func classify(err error) (int, Outcome) {
	switch {
	case errors.Is(err, client.ErrBadPassword):
		return http.StatusUnauthorized, OutcomeBadPassword
	case errors.Is(err, client.ErrNoChallenge):
		return http.StatusUnauthorized, OutcomeNoChallenge
	case errors.Is(err, client.ErrBanned):
		return http.StatusForbidden, OutcomeBanned
	case errors.Is(err, client.ErrJoinRefused):
		return http.StatusForbidden, OutcomeRefused
	case errors.Is(err, client.ErrServerFull):
		return http.StatusConflict, OutcomeServerFull
	case errors.Is(err, client.ErrRoomFull):
		return http.StatusConflict, OutcomeRoomFull
	case session.IsTimeout(err):
		return http.StatusGatewayTimeout, OutcomeTimeout
	case errors.Is(err, session.ErrNotConnected):
		return http.StatusServiceUnavailable, OutcomeNotConnected
	case errors.Is(err, session.ErrCancelled), session.IsTransportError(err):
		return http.StatusServiceUnavailable, OutcomeDisconnected
	case session.IsProtocolError(err), errors.Is(err, client.ErrUnexpectedPacket):
		return http.StatusBadGateway, OutcomeProtocol
	default:
		return http.StatusInternalServerError, OutcomeInternal
	}
}

// writeError reports err as JSON {error, outcome}.
func writeError(c *gin.Context, err error) {
	status, outcome := classify(err)
	if status >= http.StatusInternalServerError {
		log.Warn().Err(err).Str("path", c.Request.URL.Path).Str("outcome", string(outcome)).Msg("API request failed")
	}

	body := gin.H{"error": err.Error(), "outcome": outcome}
	var ae *client.AuthError
	if errors.As(err, &ae) {
		body["code"] = ae.Code
		if ae.Reason != "" {
			body["reason"] = ae.Reason
		}
	}
	c.JSON(status, body)
}
