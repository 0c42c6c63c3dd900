package scenesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	// the login -> user_state -> mqtt_auth handshake is stitched
	// together by a session cookie
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
		Jar:       jar,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// AuthApi talks to the auth host. One instance per session attempt:
// the cookie jar carries the handshake session state.
type AuthApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	authUrl string

	client *http.Client
}

func NewAuthApi(authUrl string) *AuthApi {
	return NewAuthApiWithContext(context.Background(), authUrl)
}

func NewAuthApiWithContext(ctx context.Context, authUrl string) *AuthApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &AuthApi{
		ctx:     cancelCtx,
		cancel:  cancel,
		authUrl: authUrl,
		client:  defaultClient(),
	}
}

type UserLoginCallback apiCallback[*UserLoginResult]

type UserLoginArgs struct {
	IdToken string `json:"id_token"`
}

type UserLoginResult struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

func (self *AuthApi) UserLogin(userLogin *UserLoginArgs, callback UserLoginCallback) {
	go post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/user/login", self.authUrl),
		userLogin,
		&UserLoginResult{},
		callback,
	)
}

func (self *AuthApi) UserLoginSync(userLogin *UserLoginArgs) (*UserLoginResult, error) {
	return post(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/user/login", self.authUrl),
		userLogin,
		&UserLoginResult{},
		NewNoopApiCallback[*UserLoginResult](),
	)
}

type UserStateCallback apiCallback[*UserStateResult]

type UserStateResult struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

func (self *AuthApi) UserState(callback UserStateCallback) {
	go get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/user/user_state", self.authUrl),
		&UserStateResult{},
		callback,
	)
}

func (self *AuthApi) UserStateSync() (*UserStateResult, error) {
	return get(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/user/user_state", self.authUrl),
		&UserStateResult{},
		NewNoopApiCallback[*UserStateResult](),
	)
}

type MqttAuthCallback apiCallback[*MqttAuthResult]

type MqttAuthArgs struct {
	IdToken  string
	Username string
	Realm    string
	Scene    string
	// request a paired user/camera identity
	CameraId bool
}

type MqttAuthResult struct {
	Username string            `json:"username"`
	Token    string            `json:"token"`
	Ids      map[string]string `json:"ids,omitempty"`
}

func (self *AuthApi) MqttAuth(mqttAuth *MqttAuthArgs, callback MqttAuthCallback) {
	go self.mqttAuth(mqttAuth, callback)
}

func (self *AuthApi) MqttAuthSync(mqttAuth *MqttAuthArgs) (*MqttAuthResult, error) {
	return self.mqttAuth(mqttAuth, NewNoopApiCallback[*MqttAuthResult]())
}

func (self *AuthApi) mqttAuth(mqttAuth *MqttAuthArgs, callback apiCallback[*MqttAuthResult]) (*MqttAuthResult, error) {
	form := url.Values{}
	form.Set("id_token", mqttAuth.IdToken)
	form.Set("username", mqttAuth.Username)
	form.Set("realm", mqttAuth.Realm)
	form.Set("scene", mqttAuth.Scene)
	if mqttAuth.CameraId {
		form.Set("camid", "true")
	}
	return postForm(
		self.ctx,
		self.client,
		fmt.Sprintf("%s/user/mqtt_auth", self.authUrl),
		form,
		&MqttAuthResult{},
		callback,
	)
}

func (self *AuthApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, client *http.Client, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	return do(client, req, result, callback)
}

func postForm[R any](ctx context.Context, client *http.Client, url string, form url.Values, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url, strings.NewReader(form.Encode()))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	return do(client, req, result, callback)
}

func get[R any](ctx context.Context, client *http.Client, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	return do(client, req, result, callback)
}

func getWithBearer[R any](ctx context.Context, client *http.Client, url string, token string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		return empty, err
	}
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return do(client, req, result, NewNoopApiCallback[R]())
}

func do[R any](client *http.Client, req *http.Request, result R, callback apiCallback[R]) (R, error) {
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
