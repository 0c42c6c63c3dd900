package scenesync

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
)

type AuthMode string

const (
	// token requires no external identity
	AuthModeAnonymous AuthMode = "anonymous"
	// exchange a third-party identity token via the HTTP handshake
	AuthModeDelegated AuthMode = "delegated"
	// pre-provisioned token read from a local cache path
	AuthModeManual AuthMode = "manual"
)

type AuthSettings struct {
	AuthUrl string
	Realm   string

	// anonymous display name
	AnonymousName string
	// opaque identity proof for delegated auth
	DelegatedIdToken string
	// local token cache path for manual auth
	TokenCachePath string

	// override the default namespace (the authenticated username)
	Namespace string

	// request a paired user/camera identity from the token endpoint
	RequestCameraIdentity bool
}

func DefaultAuthSettings() *AuthSettings {
	return &AuthSettings{
		Realm:                 "realm",
		RequestCameraIdentity: true,
	}
}

// SessionAuth is the product of session negotiation. Read-only outside
// the negotiator.
type SessionAuth struct {
	Username  string
	Namespace string
	Token     string
	Claims    *TokenClaims
	CameraId  string
}

// Authenticate exchanges credentials for a session token and derives
// the session's topic permissions from its claims. Any failure here is
// fatal to session establishment; there is no retry.
func Authenticate(ctx context.Context, mode AuthMode, scene string, settings *AuthSettings) (*SessionAuth, error) {
	var username string
	var token string
	var cameraId string

	switch mode {
	case AuthModeAnonymous:
		name := settings.AnonymousName
		if name == "" {
			name = "user"
		}
		username = fmt.Sprintf("anonymous-%s", name)
		result, err := mqttAuthHandshake(ctx, "", username, scene, settings)
		if err != nil {
			return nil, err
		}
		username = result.Username
		token = result.Token
		cameraId = result.Ids["camid"]
	case AuthModeDelegated:
		api := NewAuthApiWithContext(ctx, settings.AuthUrl)
		defer api.Close()

		if _, err := api.UserLoginSync(&UserLoginArgs{IdToken: settings.DelegatedIdToken}); err != nil {
			return nil, &AuthError{Message: "login failed", Cause: err}
		}
		state, err := api.UserStateSync()
		if err != nil {
			return nil, &AuthError{Message: "user state failed", Cause: err}
		}
		if !state.Authenticated {
			return nil, &AuthError{Message: "not authenticated"}
		}
		result, err := api.MqttAuthSync(&MqttAuthArgs{
			IdToken:  settings.DelegatedIdToken,
			Username: state.Username,
			Realm:    settings.Realm,
			Scene:    scene,
			CameraId: settings.RequestCameraIdentity,
		})
		if err != nil {
			return nil, &AuthError{Message: "token exchange failed", Cause: err}
		}
		username = result.Username
		token = result.Token
		cameraId = result.Ids["camid"]
	case AuthModeManual:
		tokenBytes, err := os.ReadFile(settings.TokenCachePath)
		if err != nil {
			return nil, &AuthError{Message: "token cache not readable", Cause: err}
		}
		token = strings.TrimSpace(string(tokenBytes))
	default:
		return nil, &AuthError{Message: fmt.Sprintf("unknown auth mode %q", mode)}
	}

	claims, err := ParseTokenClaimsUnverified(token)
	if err != nil {
		return nil, err
	}
	if username == "" {
		username = claims.Subject
	}

	namespace := settings.Namespace
	if namespace == "" {
		namespace = username
	}

	glog.Infof("[auth]%s mode=%s namespace=%s exp=%s\n", username, mode, namespace, claims.ExpiresAt)

	return &SessionAuth{
		Username:  username,
		Namespace: namespace,
		Token:     token,
		Claims:    claims,
		CameraId:  cameraId,
	}, nil
}

func mqttAuthHandshake(ctx context.Context, idToken string, username string, scene string, settings *AuthSettings) (*MqttAuthResult, error) {
	api := NewAuthApiWithContext(ctx, settings.AuthUrl)
	defer api.Close()

	result, err := api.MqttAuthSync(&MqttAuthArgs{
		IdToken:  idToken,
		Username: username,
		Realm:    settings.Realm,
		Scene:    scene,
		CameraId: settings.RequestCameraIdentity,
	})
	if err != nil {
		return nil, &AuthError{Message: "token exchange failed", Cause: err}
	}
	return result, nil
}
