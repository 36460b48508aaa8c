// Package inhibit keeps the desktop screensaver from kicking in while the
// pipeline runs.
package inhibit

import (
	"fmt"

	"github.com/bryanchriswhite/FrameDoubler/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	screenSaverService   = "org.freedesktop.ScreenSaver"
	screenSaverPath      = "/org/freedesktop/ScreenSaver"
	screenSaverInterface = "org.freedesktop.ScreenSaver"
)

// Inhibitor holds a screensaver inhibition cookie.
type Inhibitor struct {
	conn   *dbus.Conn
	obj    dbus.BusObject
	cookie uint32
	active bool
}

// Connect opens the session bus and checks that a screensaver service is
// present.
func Connect() (*Inhibitor, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to list D-Bus names: %w", err)
	}

	found := false
	for _, name := range names {
		if name == screenSaverService {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("%s service not found on D-Bus", screenSaverService)
	}

	return &Inhibitor{
		conn: conn,
		obj:  conn.Object(screenSaverService, dbus.ObjectPath(screenSaverPath)),
	}, nil
}

// newWithObject is used by tests.
func newWithObject(obj dbus.BusObject) *Inhibitor {
	return &Inhibitor{obj: obj}
}

// Inhibit asks the screensaver to stay off. Calling it again while active is
// a no-op.
func (i *Inhibitor) Inhibit(app, reason string) error {
	if i.active {
		return nil
	}

	var cookie uint32
	if err := i.obj.Call(screenSaverInterface+".Inhibit", 0, app, reason).Store(&cookie); err != nil {
		return fmt.Errorf("screensaver inhibit failed: %w", err)
	}
	i.cookie = cookie
	i.active = true

	logger.WithComponent("inhibit").Info().Uint32("cookie", cookie).Msg("Screensaver inhibited")
	return nil
}

// Release drops the inhibition and closes the bus connection.
func (i *Inhibitor) Release() error {
	var err error
	if i.active {
		if callErr := i.obj.Call(screenSaverInterface+".UnInhibit", 0, i.cookie).Err; callErr != nil {
			err = fmt.Errorf("screensaver uninhibit failed: %w", callErr)
		} else {
			logger.WithComponent("inhibit").Info().Uint32("cookie", i.cookie).Msg("Screensaver inhibition released")
		}
		i.active = false
	}
	if i.conn != nil {
		i.conn.Close()
		i.conn = nil
	}
	return err
}

// Active reports whether an inhibition is held.
func (i *Inhibitor) Active() bool {
	return i.active
}
