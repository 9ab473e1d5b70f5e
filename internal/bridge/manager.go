package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/cuelight/cuelight/internal/eventbus"
	"github.com/cuelight/cuelight/internal/signal"
	"github.com/cuelight/cuelight/internal/storage/kv"
)

// State is the connection lifecycle position.
type State string

const (
	StateUnconfigured     State = "unconfigured"
	StateConfigured       State = "configured"
	StateProbing          State = "probing"
	StateNeedsCertificate State = "needs_certificate"
	StateConnected        State = "connected"
)

// Settings keys in the bridge bucket.
const (
	settingsKeyHost    = "host"
	settingsKeyToken   = "token"
	settingsKeyVersion = "version"
)

// ManagerConfig tunes timeouts and command pacing.
type ManagerConfig struct {
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	RateLimitRPS   float64
}

// TestResult is what a connection test reports back to the caller. On
// a trust failure ActionURL is the address the user must visit once to
// accept the bridge certificate.
type TestResult struct {
	Connected bool    `json:"connected"`
	Version   Version `json:"version,omitempty"`
	Message   string  `json:"message"`
	ActionURL string  `json:"action_url,omitempty"`
}

// Status is a read-only snapshot of the manager. The token is never
// included.
type Status struct {
	State           State   `json:"state"`
	Host            string  `json:"host,omitempty"`
	Connected       bool    `json:"connected"`
	Version         Version `json:"version,omitempty"`
	LastGoodVersion Version `json:"last_good_version,omitempty"`
}

// reachabilityProber is what the manager needs from the prober. Tests
// substitute canned results to drive the failure edges.
type reachabilityProber interface {
	Probe(ctx context.Context, host string) ProbeResult
}

// Manager owns the bridge connection state machine: credentials, the
// connected flag and the negotiated protocol version. Nothing else in
// the process mutates these. Version negotiation runs once per
// TestConnection and is cached for the session; the bridge's firmware
// does not change generations mid-flight, and probing per call would
// waste the bridge's limited command rate.
type Manager struct {
	settings   kv.Bucket
	bus        *eventbus.Bus
	prober     reachabilityProber
	httpClient *http.Client
	limiter    *rate.Limiter

	// connectMu serializes TestConnection. Two overlapping tests
	// racing version negotiation would be able to commit conflicting
	// versions; the second caller instead waits and re-tests.
	connectMu sync.Mutex

	mu       sync.RWMutex
	state    State
	host     string
	token    string
	version  Version
	lastGood Version
	adapter  Adapter
}

// NewManager creates the connection manager and loads any persisted
// settings. A stored host puts the manager in Configured; a missing
// one is not an error, just Unconfigured.
func NewManager(settings kv.Bucket, bus *eventbus.Bus, cfg ManagerConfig) *Manager {
	rps := cfg.RateLimitRPS
	if rps == 0 {
		rps = 10.0
	}

	m := &Manager{
		settings:   settings,
		bus:        bus,
		prober:     NewProber(cfg.ProbeTimeout),
		httpClient: newHTTPClient(cfg.RequestTimeout),
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)),
		state:      StateUnconfigured,
	}
	m.loadSettings()
	return m
}

func (m *Manager) loadSettings() {
	host := m.settingString(settingsKeyHost)
	token := m.settingString(settingsKeyToken)
	if host == "" {
		return
	}

	m.host = host
	m.token = token
	m.lastGood = Version(m.settingString(settingsKeyVersion))
	m.state = StateConfigured
	log.Info().Str("host", host).Str("last_good_version", string(m.lastGood)).Msg("Loaded stored bridge settings")
}

func (m *Manager) settingString(key string) string {
	v, err := m.settings.Get(key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to read bridge setting")
		return ""
	}
	s, _ := v.(string)
	return s
}

// Configure stores new connection settings. It always resets the
// connected flag and the negotiated version, even when the manager was
// connected: fresh credentials mean the old negotiation proves
// nothing.
func (m *Manager) Configure(host, token string) error {
	host = normalizeHost(host)
	if host == "" {
		return fmt.Errorf("bridge host must not be empty")
	}

	m.mu.Lock()
	m.host = host
	m.token = token
	m.version = VersionUnset
	m.adapter = nil
	m.state = StateConfigured
	m.mu.Unlock()

	if err := m.settings.Store(settingsKeyHost, host, nil); err != nil {
		return fmt.Errorf("failed to store bridge host: %w", err)
	}
	if err := m.settings.Store(settingsKeyToken, token, nil); err != nil {
		return fmt.Errorf("failed to store bridge token: %w", err)
	}

	log.Info().Str("host", host).Msg("Bridge configured")
	return nil
}

// Disconnect clears credentials and the negotiated version and forgets
// the stored settings. Always succeeds.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	host := m.host
	wasConnected := m.state == StateConnected
	m.host = ""
	m.token = ""
	m.version = VersionUnset
	m.lastGood = VersionUnset
	m.adapter = nil
	m.state = StateUnconfigured
	m.mu.Unlock()

	for _, key := range []string{settingsKeyHost, settingsKeyToken, settingsKeyVersion} {
		if _, err := m.settings.Delete(key); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to delete bridge setting")
		}
	}

	if wasConnected {
		m.publish(eventbus.EventBridgeDisconnected, map[string]interface{}{"host": host})
	}
	log.Info().Str("host", host).Msg("Bridge disconnected")
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{
		State:           m.state,
		Host:            m.host,
		Connected:       m.state == StateConnected,
		Version:         m.version,
		LastGoodVersion: m.lastGood,
	}
}

// Connected reports whether light and room operations are currently
// valid.
func (m *Manager) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateConnected
}

// TestConnection probes the bridge and negotiates the protocol
// version. Valid from Configured and NeedsCertificate. The returned
// TestResult always carries a user-facing message; the error, when
// non-nil, is one of the typed failures from errors.go.
func (m *Manager) TestConnection(ctx context.Context) (TestResult, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	if m.host == "" {
		m.mu.Unlock()
		return TestResult{Message: "no bridge configured"}, ErrNotConfigured
	}
	if m.state == StateConnected {
		// The negotiated version is a session-long fact; reconfigure
		// to force a fresh negotiation.
		result := TestResult{
			Connected: true,
			Version:   m.version,
			Message:   fmt.Sprintf("already connected using the %s protocol", m.version),
		}
		m.mu.Unlock()
		return result, nil
	}
	host, token := m.host, m.token
	m.mu.Unlock()

	m.setState(StateProbing)

	// Reachability and trust come first. Negotiating against an
	// unreachable or untrusted host would misreport the failure as a
	// credential problem.
	probe := m.prober.Probe(ctx, host)
	if !probe.Reachable {
		if probe.Cause == CauseTrust {
			actionURL := fmt.Sprintf("https://%s/api", host)
			m.finishTest(host, token, StateNeedsCertificate, VersionUnset)
			return TestResult{
				Message:   "bridge certificate is not trusted yet; open the action URL once and accept it, then test again",
				ActionURL: actionURL,
			}, &TrustError{Host: host, ActionURL: actionURL, Err: probe.Err}
		}
		m.finishTest(host, token, StateConfigured, VersionUnset)
		return TestResult{
			Message: "bridge did not answer; check the address and your network",
		}, &ConnectivityError{Host: host, Err: probe.Err}
	}

	version, err := m.negotiate(ctx, host, token)
	if err != nil {
		m.finishTest(host, token, StateConfigured, VersionUnset)
		var credErr *CredentialError
		if errors.As(err, &credErr) {
			return TestResult{Message: "bridge rejected the credential; pair again to obtain a fresh token"}, err
		}
		return TestResult{Message: "bridge reachable but API calls failed"}, err
	}

	if !m.finishTest(host, token, StateConnected, version) {
		return TestResult{Message: "configuration changed during test"}, fmt.Errorf("bridge: configuration changed during test")
	}

	m.publish(eventbus.EventBridgeConnected, map[string]interface{}{
		"host":    host,
		"version": string(version),
	})
	log.Info().Str("host", host).Str("version", string(version)).Msg("Bridge connected")

	return TestResult{
		Connected: true,
		Version:   version,
		Message:   fmt.Sprintf("connected using the %s protocol", version),
	}, nil
}

// negotiate decides which protocol generation the bridge speaks. The
// modern API is tried first. An explicit credential rejection there is
// final: a bad token on a modern bridge would be rejected by the
// legacy endpoints too, and retrying would turn a clear credential
// diagnosis into a confusing version-mismatch one.
func (m *Manager) negotiate(ctx context.Context, host, token string) (Version, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return VersionUnset, err
	}

	modern := newModernAdapter(host, token, m.httpClient)
	_, modernErr := modern.ListLights(ctx)
	if modernErr == nil {
		return VersionModern, nil
	}
	var credErr *CredentialError
	if errors.As(modernErr, &credErr) {
		return VersionUnset, modernErr
	}
	log.Debug().Err(modernErr).Str("host", host).Msg("Modern protocol attempt failed, trying legacy")

	if err := m.limiter.Wait(ctx); err != nil {
		return VersionUnset, err
	}

	legacy := newLegacyAdapter(host, token, m.httpClient)
	_, legacyErr := legacy.ListLights(ctx)
	if legacyErr == nil {
		return VersionLegacy, nil
	}
	if errors.As(legacyErr, &credErr) {
		return VersionUnset, legacyErr
	}

	return VersionUnset, fmt.Errorf("modern: %v; legacy: %w", modernErr, legacyErr)
}

// finishTest commits the outcome of a connection test, unless the
// configuration changed while the test was in flight, in which case
// the stale result is discarded.
func (m *Manager) finishTest(host, token string, state State, version Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.host != host || m.token != token {
		return false
	}

	m.state = state
	m.version = version
	m.adapter = nil
	if state == StateConnected {
		m.adapter = m.adapterFor(version, host, token)
		m.lastGood = version
		if err := m.settings.Store(settingsKeyVersion, string(version), nil); err != nil {
			log.Warn().Err(err).Msg("Failed to store negotiated version")
		}
	}
	return true
}

func (m *Manager) adapterFor(version Version, host, token string) Adapter {
	switch version {
	case VersionModern:
		return newModernAdapter(host, token, m.httpClient)
	case VersionLegacy:
		return newLegacyAdapter(host, token, m.httpClient)
	default:
		return nil
	}
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) currentAdapter() (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateConnected || m.adapter == nil {
		return nil, ErrNotConnected
	}
	return m.adapter, nil
}

// Version returns the protocol generation negotiated by the last
// successful TestConnection.
func (m *Manager) Version() Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Lights lists the bridge's lights, normalized.
func (m *Manager) Lights(ctx context.Context) ([]Light, error) {
	adapter, err := m.currentAdapter()
	if err != nil {
		return nil, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return adapter.ListLights(ctx)
}

// Rooms lists the bridge's rooms, normalized.
func (m *Manager) Rooms(ctx context.Context) ([]Room, error) {
	adapter, err := m.currentAdapter()
	if err != nil {
		return nil, err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return adapter.ListRooms(ctx)
}

// ApplyToRoom realizes a signal on one room. A room with a group id is
// always addressed through the group endpoint: one command from the
// rate allowance and an atomic change across the room's fixtures. Only
// groupless rooms fall back to per-light iteration.
func (m *Manager) ApplyToRoom(ctx context.Context, room Room, sig signal.Signal) error {
	adapter, err := m.currentAdapter()
	if err != nil {
		return err
	}

	cmd := signal.Encode(sig)
	if room.GroupID != "" {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if sig.IsClear() {
			err = adapter.ClearGroup(ctx, room.GroupID)
		} else {
			err = adapter.ApplyToGroup(ctx, room.GroupID, cmd)
		}
		return m.reportCommand(room.ID, err)
	}

	for _, lightID := range room.LightIDs {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		var cmdErr error
		if sig.IsClear() {
			cmdErr = adapter.ClearLight(ctx, lightID)
		} else {
			cmdErr = adapter.ApplyToLight(ctx, lightID, cmd)
		}
		if cmdErr != nil {
			return m.reportCommand(room.ID, cmdErr)
		}
	}
	return nil
}

// ClearRoom turns a room's lights off.
func (m *Manager) ClearRoom(ctx context.Context, room Room) error {
	clear, _ := signal.ByID(signal.SignalClear)
	return m.ApplyToRoom(ctx, room, clear)
}

// ClearAllRooms clears every room, one awaited command per room, in
// room-list order. Sequential on purpose: the bridge's command ceiling
// is around ten per second, and a burst of parallel clears would trip
// it. A failing room is recorded and skipped; the remaining rooms are
// still cleared, since one room's failure says nothing about the
// others. Returns the ids of the rooms that were cleared.
func (m *Manager) ClearAllRooms(ctx context.Context, rooms []Room) ([]string, error) {
	if _, err := m.currentAdapter(); err != nil {
		return nil, err
	}

	cleared := make([]string, 0, len(rooms))
	var errs []error
	for _, room := range rooms {
		if err := m.ClearRoom(ctx, room); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return cleared, err
			}
			errs = append(errs, fmt.Errorf("room %s: %w", room.ID, err))
			continue
		}
		cleared = append(cleared, room.ID)
	}
	return cleared, errors.Join(errs...)
}

// reportCommand logs and publishes a failed command. Command failures
// never tear down the connection: an unknown light id is not a
// connectivity fault.
func (m *Manager) reportCommand(roomID string, err error) error {
	if err == nil {
		return nil
	}
	var opErr *OperationError
	if errors.As(err, &opErr) {
		log.Warn().Str("room_id", roomID).Str("op", opErr.Op).Str("target", opErr.Target).Err(opErr.Err).Msg("Bridge command failed")
		m.publish(eventbus.EventCommandFailed, map[string]interface{}{
			"room_id": roomID,
			"op":      opErr.Op,
			"target":  opErr.Target,
			"error":   opErr.Err.Error(),
		})
		return err
	}
	log.Warn().Str("room_id", roomID).Err(err).Msg("Bridge command failed")
	m.publish(eventbus.EventCommandFailed, map[string]interface{}{
		"room_id": roomID,
		"error":   err.Error(),
	})
	return err
}

func (m *Manager) publish(eventType eventbus.EventType, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}

// Close releases idle transport connections.
func (m *Manager) Close() error {
	m.httpClient.CloseIdleConnections()
	return nil
}
