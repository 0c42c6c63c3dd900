package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"virtra.io/scenesync/scenesync"
)

const ScenectlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Scene sync control.

Usage:
    scenectl token [--config=<config>] [--auth_url=<auth_url>] [--realm=<realm>]
        [--mode=<mode>] [--name=<name>] [--token_path=<token_path>]
        <scene>
    scenectl mirror [--config=<config>] [--auth_url=<auth_url>] [--broker_url=<broker_url>]
        [--realm=<realm>] [--mode=<mode>] [--name=<name>] [--token_path=<token_path>]
        [--namespace=<namespace>]
        <scene>
    scenectl publish [--config=<config>] [--auth_url=<auth_url>] [--broker_url=<broker_url>]
        [--realm=<realm>] [--mode=<mode>] [--name=<name>] [--token_path=<token_path>]
        [--namespace=<namespace>]
        --object_id=<object_id> --object_type=<object_type> [--attributes=<attributes>]
        <scene>
    scenectl snapshot [--config=<config>] [--auth_url=<auth_url>] [--persist_url=<persist_url>]
        [--realm=<realm>] [--mode=<mode>] [--name=<name>] [--token_path=<token_path>]
        [--namespace=<namespace>]
        <scene>

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --config=<config>              TOML config file.
    --auth_url=<auth_url>          Auth host url.
    --broker_url=<broker_url>      MQTT broker url.
    --persist_url=<persist_url>    Persisted scene snapshot url.
    --realm=<realm>                Topic realm.
    --namespace=<namespace>        Namespace override.
    --mode=<mode>                  Auth mode: anonymous, delegated, manual [default: anonymous].
    --name=<name>                  Anonymous display name.
    --token_path=<token_path>      Token cache path for manual auth.
    --object_id=<object_id>        Object id to publish.
    --object_type=<object_type>    Object type to publish.
    --attributes=<attributes>      Extra attributes as JSON.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ScenectlVersion)
	if err != nil {
		panic(err)
	}

	config, err := LoadConfig(getString(opts, "--config"))
	if err != nil {
		Err.Fatalf("%s", err)
	}
	applyFlags(opts, config)

	scene, _ := opts.String("<scene>")

	if token_, _ := opts.Bool("token"); token_ {
		token(config, opts, scene)
	} else if mirror_, _ := opts.Bool("mirror"); mirror_ {
		mirror(config, opts, scene)
	} else if publish_, _ := opts.Bool("publish"); publish_ {
		publish(config, opts, scene)
	} else if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(config, opts, scene)
	}
}

func getString(opts docopt.Opts, name string) string {
	if value, err := opts.String(name); err == nil {
		return value
	}
	return ""
}

func applyFlags(opts docopt.Opts, config *Config) {
	if authUrl := getString(opts, "--auth_url"); authUrl != "" {
		config.AuthUrl = authUrl
	}
	if brokerUrl := getString(opts, "--broker_url"); brokerUrl != "" {
		config.BrokerUrl = brokerUrl
	}
	if persistUrl := getString(opts, "--persist_url"); persistUrl != "" {
		config.PersistUrl = persistUrl
	}
	if realm := getString(opts, "--realm"); realm != "" {
		config.Realm = realm
	}
	if namespace := getString(opts, "--namespace"); namespace != "" {
		config.Namespace = namespace
	}
	if tokenPath := getString(opts, "--token_path"); tokenPath != "" {
		config.TokenPath = tokenPath
	}
}

func authenticate(config *Config, opts docopt.Opts, scene string) *scenesync.SessionAuth {
	mode := scenesync.AuthMode(getString(opts, "--mode"))

	settings := scenesync.DefaultAuthSettings()
	settings.AuthUrl = config.AuthUrl
	settings.Realm = config.Realm
	settings.Namespace = config.Namespace
	settings.AnonymousName = getString(opts, "--name")
	settings.TokenCachePath = config.TokenPath

	if mode == scenesync.AuthModeDelegated {
		fmt.Print("identity token: ")
		idTokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("could not read identity token: %s", err)
		}
		settings.DelegatedIdToken = strings.TrimSpace(string(idTokenBytes))
	}

	auth, err := scenesync.Authenticate(context.Background(), mode, scene, settings)
	if err != nil {
		// fatal: no silent retry loop on session establishment
		Err.Fatalf("%s", err)
	}
	return auth
}

func token(config *Config, opts docopt.Opts, scene string) {
	auth := authenticate(config, opts, scene)

	Out.Printf("username: %s", auth.Username)
	Out.Printf("namespace: %s", auth.Namespace)
	Out.Printf("expires: %s", auth.Claims.ExpiresAt)
	for _, publ := range auth.Claims.Publish {
		Out.Printf("publish: %s", publ)
	}
	for _, subs := range auth.Claims.Subscribe {
		Out.Printf("subscribe: %s", subs)
	}
	Out.Printf("%s", auth.Token)
}

func connect(config *Config, auth *scenesync.SessionAuth, scene string) *scenesync.Session {
	ctx := context.Background()

	transportSettings := scenesync.DefaultMqttTransportSettings()
	transportSettings.BrokerUrl = config.BrokerUrl
	transportSettings.ClientId = scenesync.NewClientId().String()
	transportSettings.Username = auth.Username
	transportSettings.Token = auth.Token
	transportSettings.Will = scenesync.BuildWill(auth, config.Realm, scene)
	transport := scenesync.NewMqttTransport(transportSettings)

	var resolver *scenesync.AssetResolver
	if config.AssetHost != "" {
		resolver = scenesync.NewAssetResolverWithDefaults(ctx, config.AssetHost, config.ImportRoot)
	}

	sessionSettings := scenesync.DefaultSessionSettings()
	sessionSettings.Realm = config.Realm
	sessionSettings.Scene = scene
	sessionSettings.PersistUrl = config.PersistUrl

	session := scenesync.NewSession(ctx, auth, transport, scenesync.NewMemoryNodeFactory(), resolver, sessionSettings)
	if err := session.Start(); err != nil {
		Err.Fatalf("%s", err)
	}
	return session
}

func mirror(config *Config, opts docopt.Opts, scene string) {
	auth := authenticate(config, opts, scene)
	session := connect(config, auth, scene)
	defer session.Close()

	unsubEvents := session.AddEventCallback(func(message *scenesync.Message, from scenesync.Topic) {
		Out.Printf("event %s %s from %s", message.Action, message.ObjectId, from.ClientId)
	})
	defer unsubEvents()

	lost := make(chan struct{})
	unsubLost := session.AddConnectionLostCallback(func(err error) {
		close(lost)
	})
	defer unsubLost()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-interrupt:
			Out.Printf("interrupted")
			return
		case <-lost:
			Err.Printf("connection lost")
			return
		case <-report.C:
			applied, dropped := session.Stats()
			Out.Printf("objects=%d applied=%d dropped=%d",
				len(session.Registry().ObjectIds()), applied, dropped)
		}
	}
}

func publish(config *Config, opts docopt.Opts, scene string) {
	auth := authenticate(config, opts, scene)
	session := connect(config, auth, scene)
	defer session.Close()

	attributes := scenesync.AttributeBag{}
	if attributesJson := getString(opts, "--attributes"); attributesJson != "" {
		if err := json.Unmarshal([]byte(attributesJson), &attributes); err != nil {
			Err.Fatalf("bad attributes: %s", err)
		}
	}

	objectId := getString(opts, "--object_id")
	objectType := getString(opts, "--object_type")

	done := make(chan error, 1)
	session.Post(func() {
		done <- session.Add(objectId, objectType, attributes)
	})
	if err := <-done; err != nil {
		Err.Fatalf("%s", err)
	}

	// give the outbound pass a tick to flush
	time.Sleep(1 * time.Second)
	Out.Printf("published %s", objectId)
}

func snapshot(config *Config, opts docopt.Opts, scene string) {
	auth := authenticate(config, opts, scene)

	namespace := config.Namespace
	if namespace == "" {
		namespace = auth.Namespace
	}

	snapshot, err := scenesync.LoadSnapshot(context.Background(), config.PersistUrl, namespace, scene, auth.Token)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, persisted := range snapshot {
		line, err := json.Marshal(persisted)
		if err != nil {
			continue
		}
		Out.Printf("%s", line)
	}
}
