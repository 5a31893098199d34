// ABOUTME: Builds and runs the daemon: store, backend, engines, bus server.
// ABOUTME: One authorizable object per subsystem, all hosted on one socket.

package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/halcyonos/devicelock/internal/authenticator"
	"github.com/halcyonos/devicelock/internal/authorization"
	"github.com/halcyonos/devicelock/internal/backend"
	"github.com/halcyonos/devicelock/internal/bus"
	"github.com/halcyonos/devicelock/internal/config"
	"github.com/halcyonos/devicelock/internal/devicelock"
	"github.com/halcyonos/devicelock/internal/fingerprint"
	"github.com/halcyonos/devicelock/internal/protocol"
	"github.com/halcyonos/devicelock/internal/session"
	"github.com/halcyonos/devicelock/internal/store"
)

// Object names on the bus.
const (
	ObjectAuthenticator = "authenticator"
	ObjectDeviceLock    = "devicelock"
	ObjectFingerprint   = "fingerprint"
)

// Daemon owns every live subsystem of devicelockd.
type Daemon struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger

	store    *store.SQLiteStore
	checker  backend.CodeChecker
	registry *session.Registry
	server   *bus.Server

	authEngine   *authenticator.Engine
	lockEngine   *devicelock.Engine
	fingerprints *fingerprint.Settings

	authAuth *authorization.Authorizer
	fpAuth   *authorization.Authorizer
}

// New builds the daemon from configuration. The fingerprint sensor is
// optional; without one the fingerprint object still serves its records but
// refuses enroll and verify.
func New(ctx context.Context, cfg *config.Config, sensor fingerprint.Sensor, logger *slog.Logger) (*Daemon, error) {
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	checker, err := buildChecker(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	minter, err := authorization.NewTokenMinter([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenLifetime)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating token minter: %w", err)
	}

	registry := session.NewRegistry(logger)

	authAuth := authorization.NewAuthorizer(ObjectAuthenticator, protocol.AllMethods, minter, logger)
	fpAuth := authorization.NewAuthorizer(ObjectFingerprint, protocol.AllMethods, minter, logger)

	// The flow engine authenticates challenges from every object and mints
	// through the issuer, so dependent subsystems honor the token.
	auths := authorization.NewDirectory(authAuth, fpAuth)

	authObject := session.NewObject(ObjectAuthenticator, logger)
	authEngine := authenticator.NewEngine(ctx, authObject, auths, checker, st, logger)
	registry.AddObject(authObject)

	lockObject := session.NewObject(ObjectDeviceLock, logger)
	lockEngine := devicelock.NewEngine(ctx, lockObject, checker, st, logger)
	registry.AddObject(lockObject)

	fpObject := session.NewObject(ObjectFingerprint, logger)
	if !cfg.Fingerprint.Enabled {
		sensor = nil
	}
	fingerprints := fingerprint.NewSettings(ctx, fpObject, fpAuth, st, sensor, logger)
	registry.AddObject(fpObject)

	// Verified fingerprints complete authenticator flows; enrollment state
	// decides whether the method is offered at all.
	authEngine.SetFingerprintSource(fingerprints.Enrolled)
	fingerprints.SetVerifiedHook(authEngine.FingerprintVerified)
	fingerprints.SetFeedbackHook(authEngine.FingerprintFeedback)

	// Challenges die with their connection.
	registry.OnDisconnect(authAuth.DropConnection)
	registry.OnDisconnect(fpAuth.DropConnection)

	d := &Daemon{
		ctx:          ctx,
		cfg:          cfg,
		logger:       logger.With("component", "daemon"),
		store:        st,
		checker:      checker,
		registry:     registry,
		authEngine:   authEngine,
		lockEngine:   lockEngine,
		fingerprints: fingerprints,
		authAuth:     authAuth,
		fpAuth:       fpAuth,
	}

	d.server = bus.NewServer(registry, logger)
	d.registerHandlers()

	lockEngine.WatchLockState(func(s devicelock.LockState) {
		d.server.Broadcast(ObjectDeviceLock, "lock_state_changed", map[string]any{"state": s.String()})
	})
	return d, nil
}

func buildChecker(cfg *config.Config, st *store.SQLiteStore, logger *slog.Logger) (backend.CodeChecker, error) {
	switch cfg.Backend.Type {
	case "command":
		manifest, err := backend.LoadManifest(cfg.Backend.Manifest)
		if err != nil {
			return nil, fmt.Errorf("loading backend manifest: %w", err)
		}
		return backend.NewCommand(manifest, logger)
	default:
		return backend.NewNative(st, nil, logger), nil
	}
}

// Run serves the bus socket until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.server.Listen(d.cfg.Socket.Path); err != nil {
		return err
	}
	d.logger.Info("devicelockd running",
		"socket", d.cfg.Socket.Path,
		"database", d.cfg.Database.Path,
		"backend", d.cfg.Backend.Type,
	)

	err := d.server.Serve(ctx)

	if cerr := d.server.Close(); err == nil {
		err = cerr
	}
	if serr := d.store.Close(); err == nil {
		err = serr
	}
	return err
}

// LockEngine exposes the device-lock engine for platform feeds (lock policy,
// exemption conditions).
func (d *Daemon) LockEngine() *devicelock.Engine { return d.lockEngine }
