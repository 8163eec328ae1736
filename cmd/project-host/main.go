/*
Copyright 2025 The Project Host Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command project-host is the node agent binary: it wires every
// subsystem of SPEC_FULL.md together and serves them from a single
// process for the lifetime of the machine it runs on.
package main

import (
	"context"
	"crypto"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	projecthost "github.com/sagemathinc/project-host"
	"github.com/sagemathinc/project-host/lib/authprimitives"
	"github.com/sagemathinc/project-host/lib/bus"
	"github.com/sagemathinc/project-host/lib/codexcache"
	"github.com/sagemathinc/project-host/lib/masterclient"
	"github.com/sagemathinc/project-host/lib/proxy"
	"github.com/sagemathinc/project-host/lib/registration"
	"github.com/sagemathinc/project-host/lib/secrets"
	"github.com/sagemathinc/project-host/lib/store"
	"github.com/sagemathinc/project-host/lib/tunnel"
	"github.com/sagemathinc/project-host/lib/utils"
)

var log = logrus.WithField(trace.Component, "project-host")

func main() {
	app := kingpin.New("project-host", "CoCalc project host node agent.")

	var p runParams
	app.Flag("data-dir", "Directory for secrets, the SQLite store, and the codex credential cache.").Default("/var/lib/project-host").StringVar(&p.dataDir)
	app.Flag("master", "URL of the master's conat bus server.").Envar(projecthost.EnvMasterConatServer).StringVar(&p.masterURL)
	app.Flag("host-id", "Override the host identity instead of generating/persisting one.").Envar(projecthost.EnvProjectHostID).StringVar(&p.hostID)
	app.Flag("https", "Mark issued session cookies Secure on requests that arrive over TLS (the proxy listener itself serves plain HTTP).").Envar(projecthost.EnvHTTPSEnabled).BoolVar(&p.httpsOn)
	app.Flag("bus-addr", "Local listen address for the message-bus server (C4).").Default("127.0.0.1:8081").StringVar(&p.busAddr)
	app.Flag("proxy-addr", "Local listen address for the authenticating HTTP/WS proxy (C6).").Default("0.0.0.0:8080").StringVar(&p.proxyAddr)
	app.Flag("local-ssh-port", "Local port the reverse tunnel forwards inbound SSH traffic to.").Default("2222").IntVar(&p.localSSH)
	app.Flag("rest-local-port", "Local port the reverse tunnel exposes the master's REST API on.").Default("8443").IntVar(&p.restLocal)
	app.Flag("region", "Region name announced to the master.").Default("unknown").StringVar(&p.region)
	app.Flag("public-url", "Public URL announced to the master, if any.").StringVar(&p.publicURL)
	var debug bool
	app.Flag("debug", "Enable debug-level logging.").BoolVar(&debug)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(utils.LoggingForDaemon, level)

	if err := run(p); err != nil {
		log.WithError(err).Error("project-host exited with an error")
		os.Exit(1)
	}
}

type runParams struct {
	dataDir   string
	masterURL string
	hostID    string
	httpsOn   bool
	busAddr   string
	proxyAddr string
	localSSH  int
	restLocal int
	region    string
	publicURL string
}

// keyRing holds the verify-only routed-token key installed by the
// registration loop (C10) and rebuilt whenever the master broadcasts a
// rotated one. It is the bus server's and the proxy's BearerVerifier.
type keyRing struct {
	current atomic.Pointer[authprimitives.TokenKey]
	clock   clockwork.Clock
}

func (k *keyRing) InstallPublicKey(pub crypto.PublicKey) {
	key, err := authprimitives.NewTokenKey(authprimitives.TokenKeyConfig{PublicKey: pub, Clock: k.clock})
	if err != nil {
		log.WithError(err).Error("installed project-host auth public key is unusable")
		return
	}
	k.current.Store(key)
}

func (k *keyRing) Verify(rawToken, hostID string) (*authprimitives.RoutedTokenClaims, error) {
	key := k.current.Load()
	if key == nil {
		return nil, trace.AccessDenied("no project-host auth public key installed yet")
	}
	return key.Verify(rawToken, hostID)
}

// noopControlService satisfies registration.ControlService. The control
// RPC surface it would register (create/start/stop project, manage
// authorized keys) belongs to the project-lifecycle subsystem, which
// SPEC_FULL.md §2 names as an out-of-scope external collaborator (the
// container runtime); this host only needs the registration loop to
// complete its handshake.
type noopControlService struct{}

func (noopControlService) Register(ctx context.Context, hostID string) error { return nil }

// staticContainerRuntime always reports no live mounts. The real
// container runtime (podman/crun) is an out-of-scope external
// collaborator per SPEC_FULL.md §2; wiring its actual bind-mount
// inspection belongs to that integration, not this binary.
type staticContainerRuntime struct{}

func (staticContainerRuntime) HasLiveMount(dir string) (bool, error) { return false, nil }

func run(p runParams) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(p.dataDir, 0o750); err != nil {
		return trace.ConvertSystemError(err)
	}

	secretsStore, err := secrets.NewStore(filepath.Join(p.dataDir, "secrets"))
	if err != nil {
		return trace.Wrap(err)
	}

	sqlStore, err := store.Open(filepath.Join(p.dataDir, "project-host.db"))
	if err != nil {
		return trace.Wrap(err)
	}
	defer sqlStore.Close()

	hostID := p.hostID
	if hostID == "" {
		hostID, err = sqlStore.HostIdentity()
		if err != nil {
			return trace.Wrap(err)
		}
		if hostID == "" {
			hostID = uuid.NewString()
			if err := sqlStore.SetHostIdentity(hostID); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	log = log.WithField("host_id", hostID)

	conatPassword, err := secretsStore.ConatPassword(os.Getenv(projecthost.EnvConatPassword))
	if err != nil {
		return trace.Wrap(err)
	}
	sessionSecret, err := secretsStore.SessionSecret()
	if err != nil {
		return trace.Wrap(err)
	}
	_, tunnelPubLine, err := secretsStore.TunnelKeyPair()
	if err != nil {
		return trace.Wrap(err)
	}

	clock := clockwork.NewRealClock()
	keys := &keyRing{clock: clock}

	acl, err := authprimitives.NewACL(authprimitives.ACLConfig{Collaborators: sqlStore, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}
	sessions, err := authprimitives.NewSessionSigner(authprimitives.SessionSignerConfig{Secret: sessionSecret, Clock: clock})
	if err != nil {
		return trace.Wrap(err)
	}

	authenticator, err := bus.NewAuthenticator(bus.AuthenticatorConfig{
		HostID:        hostID,
		ConatPassword: conatPassword,
		Secrets:       sqlStore,
		Bearer:        keys,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	busServer, err := bus.NewServer(bus.ServerConfig{Authenticator: authenticator, ACL: acl})
	if err != nil {
		return trace.Wrap(err)
	}
	defer busServer.Close()

	authorizer, err := proxy.NewAuthorizer(proxy.AuthorizerConfig{
		HostID:       hostID,
		ACL:          acl,
		Sessions:     sessions,
		Bearer:       keys,
		Revocations:  sqlStore,
		Clock:        clock,
		HTTPSEnabled: p.httpsOn,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	proxyHandler, err := proxy.NewHandler(proxy.HandlerConfig{
		Authorizer:     authorizer,
		ResolveProject: resolveProjectFromHost,
		ResolveTarget:  projectLocalTarget(sqlStore),
		Clock:          clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer proxyHandler.Close()

	masterToken := func() (string, error) {
		token, err := secretsStore.MasterToken(os.Getenv(projecthost.EnvMasterToken))
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", trace.BadParameter("master bearer token not yet issued")
		}
		return token, nil
	}
	master, err := masterclient.New(masterclient.Config{URL: p.masterURL, Token: masterToken})
	if err != nil {
		return trace.Wrap(err)
	}

	regLoop, err := registration.NewLoop(registration.LoopConfig{
		HostID: hostID,
		Announcement: registration.Announcement{
			ID:                 hostID,
			Name:               hostID,
			Region:             p.region,
			PublicURL:          p.publicURL,
			SSHServer:          true,
			SSHPiperdPublicKey: tunnelPubLine,
			Version:            projecthost.Version,
		},
		Master:  master,
		Tokens:  secretsStore,
		Keys:    keys,
		Control: noopControlService{},
		Clock:   clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	if err := regLoop.Start(ctx); err != nil {
		return trace.Wrap(err, "initial registration")
	}
	go regLoop.Run(ctx)

	_, httpLocalPort, err := net.SplitHostPort(p.proxyAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	localHTTPPort := 0
	fmt.Sscanf(httpLocalPort, "%d", &localHTTPPort)

	supervisor, err := tunnel.NewSupervisor(tunnel.SupervisorConfig{
		HostID:        hostID,
		PublicKey:     tunnelPubLine,
		KeyPath:       filepath.Join(p.dataDir, "secrets", projecthost.TunnelKeyFile),
		Registrar:     master,
		LocalHTTPPort: localHTTPPort,
		LocalSSHPort:  p.localSSH,
		RestLocalPort: p.restLocal,
		Clock:         clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	go supervisor.Run(ctx)
	defer supervisor.Stop()

	codexCache, err := codexcache.NewCache(codexcache.CacheConfig{
		Root:     filepath.Join(p.dataDir, "codex-cache"),
		Registry: master,
		Clock:    clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	gc, err := codexcache.NewGC(codexcache.GCConfig{Cache: codexCache, Runtime: staticContainerRuntime{}})
	if err != nil {
		return trace.Wrap(err)
	}
	go gc.Run(ctx)

	busMux := http.NewServeMux()
	busMux.Handle("/", busServer)
	busListener, err := net.Listen("tcp", p.busAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	go func() {
		if err := http.Serve(busListener, busMux); err != nil {
			log.WithError(err).Warn("bus server stopped")
		}
	}()

	proxyListener, err := net.Listen("tcp", p.proxyAddr)
	if err != nil {
		return trace.Wrap(err)
	}
	proxySrv := &http.Server{Handler: proxyHandler}
	go func() {
		if err := proxySrv.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("proxy server stopped")
		}
	}()

	log.Info("project-host is up")
	<-ctx.Done()
	log.Info("shutting down")
	proxySrv.Close()
	busListener.Close()
	return nil
}

// resolveProjectFromHost extracts a project id from the request's first
// path segment, e.g. "/<project-id>/...".
func resolveProjectFromHost(r *http.Request) (string, error) {
	segment := r.URL.Path
	if len(segment) > 0 && segment[0] == '/' {
		segment = segment[1:]
	}
	for i, c := range segment {
		if c == '/' {
			segment = segment[:i]
			break
		}
	}
	if !authprimitives.IsValidUUID(segment) {
		return "", trace.BadParameter("no project id in request path")
	}
	return segment, nil
}

// projectLocalTarget resolves a project id to the local address its
// workspace container listens on. Container placement and port
// allocation belong to the container runtime, an out-of-scope external
// collaborator per SPEC_FULL.md §2; this resolver reads the address the
// runtime is expected to have published on the project's row.
func projectLocalTarget(sqlStore *store.Store) proxy.TargetResolver {
	return func(r *http.Request) (string, error) {
		projectID, err := resolveProjectFromHost(r)
		if err != nil {
			return "", trace.Wrap(err)
		}
		if _, err := sqlStore.GetProject(projectID); err != nil {
			return "", trace.Wrap(err)
		}
		return "http://127.0.0.1:" + localPortForProject(projectID), nil
	}
}

// localPortForProject derives a stable local port in [20000, 40000)
// from a project id, used until the container runtime publishes
// a real allocation.
func localPortForProject(projectID string) string {
	var sum uint32
	for _, b := range []byte(projectID) {
		sum = sum*31 + uint32(b)
	}
	return fmt.Sprintf("%d", 20000+(sum%20000))
}
