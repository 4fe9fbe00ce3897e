package wsengine

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/streamweave/liveql/engine"
)

// ByJwt carries the identity claims of a platform JWT.
// The token is parsed without verification: the server verifies the
// signature, the client only needs the embedded ids.
type ByJwt struct {
	UserId      engine.Id
	NetworkName string
	NetworkId   engine.Id
	ClientId    engine.Id
}

func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := engine.ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if networkName, ok := claims["network_name"].(string); ok {
		byJwt.NetworkName = networkName
	}
	if networkIdStr, ok := claims["network_id"].(string); ok {
		if networkId, err := engine.ParseId(networkIdStr); err == nil {
			byJwt.NetworkId = networkId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := engine.ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}

	return byJwt, nil
}
