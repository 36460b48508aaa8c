package pipewire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// SelectSources options
const (
	sourceTypeMonitor = 1 << 0

	cursorModeHidden   = 1 << 0
	cursorModeEmbedded = 1 << 1

	persistModeSession = 2
)

// Portal drives an xdg-desktop-portal ScreenCast session and yields the
// PipeWire node carrying the selected monitor.
type Portal struct {
	conn          *dbus.Conn
	sessionHandle dbus.ObjectPath
	nodeID        uint32
	embedCursor   bool
	restoreToken  string
	tokenPath     string
	mu            sync.Mutex

	// Response waits. The first is short, the second leaves time for the
	// user to pick a monitor in the portal dialog.
	requestTimeout time.Duration
	selectTimeout  time.Duration
}

// NewPortal connects to the session bus. embedCursor asks the compositor to
// draw the pointer into the stream.
func NewPortal(embedCursor bool) (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}

	p := &Portal{
		conn:           conn,
		embedCursor:    embedCursor,
		tokenPath:      filepath.Join(configDir, "framedoubler", "portal_token"),
		requestTimeout: 30 * time.Second,
		selectTimeout:  60 * time.Second,
	}
	p.restoreToken = loadRestoreToken(p.tokenPath)
	return p, nil
}

// Close ends the session and the bus connection
func (p *Portal) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessionHandle != "" {
		p.conn.Object(portalService, p.sessionHandle).Call(sessionIface+".Close", 0)
		p.sessionHandle = ""
	}
	return p.conn.Close()
}

// NodeID returns the PipeWire node of the shared monitor
func (p *Portal) NodeID() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeID
}

// StartScreenCast runs CreateSession, SelectSources and Start. The portal
// may show a dialog during SelectSources unless a restore token is saved.
func (p *Portal) StartScreenCast() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	log := logger.WithComponent("portal")
	pid := os.Getpid()

	results, err := p.request("CreateSession", p.requestTimeout, map[string]dbus.Variant{
		"handle_token":         dbus.MakeVariant(fmt.Sprintf("framedoubler%d", pid)),
		"session_handle_token": dbus.MakeVariant(fmt.Sprintf("session%d", pid)),
	})
	if err != nil {
		return err
	}
	session, err := sessionHandle(results)
	if err != nil {
		return err
	}
	p.sessionHandle = session
	log.Debug().Str("session", string(session)).Msg("Created portal session")

	cursorMode := uint32(cursorModeHidden)
	if p.embedCursor {
		cursorMode = cursorModeEmbedded
	}
	selectOpts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(fmt.Sprintf("select%d", pid)),
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(cursorMode),
		"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
	}
	if p.restoreToken != "" {
		selectOpts["restore_token"] = dbus.MakeVariant(p.restoreToken)
		log.Debug().Msg("Using saved restore token")
	}
	if _, err := p.request("SelectSources", p.selectTimeout, selectOpts, session); err != nil {
		return err
	}

	results, err = p.request("Start", p.requestTimeout, map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(fmt.Sprintf("start%d", pid)),
	}, session, "")
	if err != nil {
		return err
	}

	if v, ok := results["restore_token"]; ok {
		if token, ok := v.Value().(string); ok && token != "" {
			p.restoreToken = token
			if err := saveRestoreToken(p.tokenPath, token); err != nil {
				log.Warn().Err(err).Msg("Failed to save portal restore token")
			}
		}
	}

	nodeID, err := streamNode(results)
	if err != nil {
		return err
	}
	p.nodeID = nodeID
	log.Info().Uint32("node_id", nodeID).Msg("Screen cast started")
	return nil
}

// request calls a ScreenCast method and waits for the matching Response
// signal. options is appended after args, as every portal method takes it
// last.
func (p *Portal) request(method string, timeout time.Duration, options map[string]dbus.Variant, args ...interface{}) (map[string]dbus.Variant, error) {
	log := logger.WithComponent("portal")

	// Subscribe before calling so a fast response is not missed.
	responses := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	p.conn.Signal(responses)
	defer p.conn.RemoveSignal(responses)

	var requestPath dbus.ObjectPath
	callArgs := append(args, options)
	if err := p.conn.Object(portalService, portalPath).Call(screenCastIface+"."+method, 0, callArgs...).Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	log.Info().Str("request_path", string(requestPath)).Msgf("Waiting for %s response", method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			return nil, fmt.Errorf("timeout waiting for %s response", method)
		case sig := <-responses:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			return parseResponse(method, sig.Body)
		}
	}
}

func parseResponse(method string, body []interface{}) (map[string]dbus.Variant, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("invalid %s response", method)
	}
	code, ok := body[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("invalid %s response code %T", method, body[0])
	}
	if code != 0 {
		return nil, fmt.Errorf("%s denied (code %d)", method, code)
	}
	if len(body) < 2 {
		return map[string]dbus.Variant{}, nil
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("invalid %s results %T", method, body[1])
	}
	return results, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	v, ok := results["session_handle"]
	if !ok {
		return "", fmt.Errorf("no session handle in response")
	}
	switch h := v.Value().(type) {
	case dbus.ObjectPath:
		return h, nil
	case string:
		return dbus.ObjectPath(h), nil
	default:
		return "", fmt.Errorf("unexpected session_handle type: %T", h)
	}
}

// streamNode extracts the first node id from the a(ua{sv}) streams result.
func streamNode(results map[string]dbus.Variant) (uint32, error) {
	v, ok := results["streams"]
	if !ok {
		return 0, fmt.Errorf("no streams in response")
	}
	switch streams := v.Value().(type) {
	case [][]interface{}:
		if len(streams) > 0 && len(streams[0]) > 0 {
			if id, ok := streams[0][0].(uint32); ok {
				return id, nil
			}
		}
	case []interface{}:
		if len(streams) > 0 {
			if stream, ok := streams[0].([]interface{}); ok && len(stream) > 0 {
				if id, ok := stream[0].(uint32); ok {
					return id, nil
				}
			}
		}
	}
	return 0, fmt.Errorf("unexpected streams format %T", v.Value())
}

type savedToken struct {
	Token string `json:"token"`
}

func loadRestoreToken(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	var t savedToken
	if err := json.Unmarshal(data, &t); err != nil {
		return ""
	}
	return t.Token
}

func saveRestoreToken(path, token string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.Marshal(savedToken{Token: token})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
