package device

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"

	"safegate/internal/logging"
	"safegate/internal/services"
)

// UdevSource listens for udev netlink events and emits verified device
// events. Construction fails when the netlink socket cannot be opened so
// the caller can degrade to polling.
type UdevSource struct {
	logger        *slog.Logger
	settle        time.Duration
	mountDeadline time.Duration

	conn   *netlink.UEventConn
	events chan Event
	errs   chan error

	mu      sync.Mutex
	quit    chan struct{}
	closed  bool
	monQuit chan struct{}
}

// NewUdevSource connects to the udev netlink socket and starts monitoring
// for removable block partitions.
func NewUdevSource(logger *slog.Logger, settle time.Duration) (*UdevSource, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, services.Wrap(services.ErrDetection, "udev", "connect", "netlink socket unavailable", err)
	}

	s := &UdevSource{
		logger:        logging.NewComponentLogger(logger, "udev-source"),
		settle:        settle,
		mountDeadline: 10 * time.Second,
		conn:          conn,
		events:        make(chan Event, 16),
		errs:          make(chan error, 1),
		quit:          make(chan struct{}),
	}
	s.start()
	return s, nil
}

func (s *UdevSource) start() {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	s.monQuit = s.conn.Monitor(queue, errs, buildMatcher())

	go func() {
		for {
			select {
			case <-s.quit:
				return
			case uevent := <-queue:
				s.handleUEvent(uevent)
			case err := <-errs:
				s.logger.Warn("netlink monitor error",
					logging.Error(err),
					logging.String(logging.FieldEventType, "netlink_monitor_error"),
					logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				)
				select {
				case s.errs <- services.Wrap(services.ErrDetection, "udev", "monitor", "netlink monitor failed", err):
				default:
				}
				return
			}
		}
	}()
}

// buildMatcher matches add/remove events for USB-attached block partitions.
func buildMatcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": "block",
			"DEVTYPE":   "partition",
			"ID_BUS":    "usb",
		},
	})
	return rules
}

func (s *UdevSource) handleUEvent(uevent netlink.UEvent) {
	devNode := uevent.Env["DEVNAME"]
	if devNode == "" {
		if devpath := uevent.Env["DEVPATH"]; devpath != "" {
			devNode = "/dev/" + path.Base(devpath)
		}
	}
	if devNode == "" {
		s.logger.Debug("ignoring event without device node",
			logging.String("action", string(uevent.Action)),
			logging.String("kobj", uevent.KObj),
		)
		return
	}

	id := path.Base(devNode)
	label := strings.TrimSpace(uevent.Env["ID_FS_LABEL"])

	switch uevent.Action {
	case "remove":
		s.emit(Event{ID: id, Label: label, Action: Departed, Time: time.Now()})
	case "add":
		mountPath, err := waitForMount(devNode, s.settle, s.mountDeadline)
		if err != nil {
			s.logger.Warn("mount lookup failed",
				logging.Error(err),
				logging.String(logging.FieldDevice, id),
			)
			return
		}
		if mountPath == "" {
			s.logger.Warn("device never mounted; dropping arrival",
				logging.String(logging.FieldDevice, id),
				logging.String(logging.FieldErrorHint, "is an automounter running?"),
			)
			return
		}
		if err := verifyReadable(mountPath); err != nil {
			s.logger.Warn("mount not readable; dropping arrival",
				logging.Error(err),
				logging.String(logging.FieldDevice, id),
			)
			return
		}
		s.emit(Event{ID: id, MountPath: mountPath, Label: label, Action: Arrived, Time: time.Now()})
	}
}

func (s *UdevSource) emit(event Event) {
	select {
	case s.events <- event:
	case <-s.quit:
	}
}

// Next blocks until a device event arrives, the monitor fails, or the
// context is cancelled.
func (s *UdevSource) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case err := <-s.errs:
		return Event{}, err
	case event := <-s.events:
		return event, nil
	}
}

// Close shuts down the netlink monitor.
func (s *UdevSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.quit)
	if s.monQuit != nil {
		close(s.monQuit)
	}
	return s.conn.Close()
}
