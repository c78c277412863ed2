package enforcer

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/vishvananda/netlink"

	"azazel.dev/azazel/internal/logging"
)

// Shaper is the per-source latency and bandwidth backend: a root HTB
// hierarchy with a default class, a low-priority suspect class, and
// per-IP delay/shape child classes, classified by a u32 filter
// matching source address. Mirrors the class layout ensured by
// azazel_pi/core/enforcer/traffic_control.py's _ensure_tc_setup
// (root 1:, parent 1:1, default 1:30, suspect 1:40) with dedicated
// 1:41/1:42 classes per active delay/shape target.
type Shaper interface {
	EnsureHierarchy(uplinkKbps int) error
	ApplyDelay(ip string, delayMs int) error
	RemoveDelay(ip string) error
	ApplyShape(ip string, rateKbps int) error
	RemoveShape(ip string) error
	ApplySuspect(ip string) error
	RemoveSuspect(ip string) error
}

const (
	htbRootHandle    = 0x1
	htbParentClassID = 0x1
	htbDefaultClass  = 0x30
	htbSuspectClass  = 0x40
	htbDelayClass    = 0x41
	htbShapeClass    = 0x42
)

type tcShaper struct {
	iface  string
	logger *logging.Logger
}

// NewTCShaper returns a Shaper bound to the given egress interface.
func NewTCShaper(iface string, logger *logging.Logger) Shaper {
	if logger == nil {
		logger = logging.WithComponent("enforcer.tc")
	}
	return &tcShaper{iface: iface, logger: logger}
}

func (s *tcShaper) link() (netlink.Link, error) {
	link, err := netlink.LinkByName(s.iface)
	if err != nil {
		return nil, fmt.Errorf("enforcer: lookup interface %s: %w", s.iface, err)
	}
	return link, nil
}

// EnsureHierarchy creates the root HTB qdisc plus parent/default/
// suspect classes. All creation uses netlink's Qdisc/ClassReplace so
// a pre-existing hierarchy is left untouched rather than failing.
func (s *tcShaper) EnsureHierarchy(uplinkKbps int) error {
	link, err := s.link()
	if err != nil {
		return err
	}
	if uplinkKbps <= 0 {
		uplinkKbps = 100000
	}

	root := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Handle:    netlink.MakeHandle(htbRootHandle, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	root.Defcls = htbDefaultClass
	if err := netlink.QdiscReplace(root); err != nil && !isAlreadyExistsNetlink(err) {
		return fmt.Errorf("enforcer: replace root htb qdisc: %w", err)
	}

	parentRate := kbpsToBps(uplinkKbps)
	if err := s.replaceClass(link, htbRootHandle, 0, htbParentClassID, parentRate, parentRate); err != nil {
		return err
	}
	if err := s.replaceClass(link, htbRootHandle, htbParentClassID, htbDefaultClass, parentRate/2, parentRate); err != nil {
		return err
	}
	suspectRate := parentRate / 10
	if err := s.replaceClass(link, htbRootHandle, htbParentClassID, htbSuspectClass, suspectRate, suspectRate*2); err != nil {
		return err
	}

	s.logger.Info("traffic-shaping hierarchy ready", "interface", s.iface, "uplink_kbps", uplinkKbps)
	return nil
}

func (s *tcShaper) replaceClass(link netlink.Link, parentMajor, parentMinor, classMinor uint16, rate, ceil uint64) error {
	attrs := netlink.ClassAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(parentMajor, parentMinor),
		Handle:    netlink.MakeHandle(htbRootHandle, classMinor),
	}
	htbClass := netlink.NewHtbClass(attrs, netlink.HtbClassAttrs{Rate: rate, Ceil: ceil})
	if err := netlink.ClassReplace(htbClass); err != nil && !isAlreadyExistsNetlink(err) {
		return fmt.Errorf("enforcer: replace htb class %x: %w", classMinor, err)
	}
	return nil
}

// ApplyDelay attaches a netem delay qdisc to a dedicated child class
// and classifies ip's traffic into it.
func (s *tcShaper) ApplyDelay(ip string, delayMs int) error {
	link, err := s.link()
	if err != nil {
		return err
	}
	if err := s.replaceClass(link, htbRootHandle, htbParentClassID, htbDelayClass, kbpsToBps(64), kbpsToBps(128)); err != nil {
		return err
	}
	netem := netlink.NewNetem(netlink.QdiscAttrs{
		LinkIndex: link.Attrs().Index,
		Parent:    netlink.MakeHandle(htbRootHandle, htbDelayClass),
		Handle:    netlink.MakeHandle(0x41, 0),
	}, netlink.NetemQdiscAttrs{Latency: uint32(delayMs)})
	if err := netlink.QdiscReplace(netem); err != nil && !isAlreadyExistsNetlink(err) {
		return fmt.Errorf("enforcer: replace netem qdisc for %s: %w", ip, err)
	}
	return s.classifySource(ip, htbDelayClass, 1)
}

func (s *tcShaper) RemoveDelay(ip string) error {
	return s.removeFilterAndClass(ip, htbDelayClass, 1)
}

// ApplyShape rate-limits ip's traffic to a dedicated child class.
func (s *tcShaper) ApplyShape(ip string, rateKbps int) error {
	link, err := s.link()
	if err != nil {
		return err
	}
	rate := kbpsToBps(rateKbps)
	if err := s.replaceClass(link, htbRootHandle, htbParentClassID, htbShapeClass, rate, rate); err != nil {
		return err
	}
	return s.classifySource(ip, htbShapeClass, 2)
}

func (s *tcShaper) RemoveShape(ip string) error {
	return s.removeFilterAndClass(ip, htbShapeClass, 2)
}

// ApplySuspect classifies ip into the shared low-priority suspect
// class; unlike delay/shape, the class itself is never torn down
// since other suspect sources may still be using it.
func (s *tcShaper) ApplySuspect(ip string) error {
	return s.classifySource(ip, htbSuspectClass, 4)
}

func (s *tcShaper) RemoveSuspect(ip string) error {
	return s.deleteFilter(ip, 4)
}

// classifySource and its filter-management helpers shell out to the
// tc CLI rather than netlink.FilterAdd. google/nftables covers the
// packet-filter path natively, but vishvananda/netlink's u32 filter
// support historically mis-serializes selector chains on some kernel
// versions; tc's own idempotent "replace" keeps this path reliable.
func (s *tcShaper) classifySource(ip string, classMinor uint16, prio int) error {
	flowid := fmt.Sprintf("1:%x", classMinor)
	out, err := s.runTC("filter", "show", "dev", s.iface, "parent", "1:")
	if err == nil && strings.Contains(out, ip) {
		s.logger.Debug("tc filter already present", "ip", ip, "classid", flowid)
		return nil
	}
	_, err = s.runTC("filter", "replace", "dev", s.iface, "protocol", "ip",
		"parent", "1:", "prio", fmt.Sprint(prio), "u32", "match", "ip", "src", ip,
		"flowid", flowid)
	return err
}

func (s *tcShaper) removeFilterAndClass(ip string, classMinor uint16, prio int) error {
	if err := s.deleteFilter(ip, prio); err != nil {
		return err
	}
	_, err := s.runTC("class", "del", "dev", s.iface, "classid", fmt.Sprintf("1:%x", classMinor))
	if err != nil && !strings.Contains(err.Error(), "exit status") {
		return err
	}
	return nil
}

func (s *tcShaper) deleteFilter(ip string, prio int) error {
	_, err := s.runTC("filter", "del", "dev", s.iface, "protocol", "ip",
		"parent", "1:", "prio", fmt.Sprint(prio))
	if err != nil {
		// "no such rule" leaves a nonzero exit with no useful stderr;
		// treat any failure here as success per the idempotency contract.
		s.logger.Debug("tc filter delete reported an error, treating as already absent", "ip", ip, "error", err)
		return nil
	}
	return nil
}

func (s *tcShaper) runTC(args ...string) (string, error) {
	cmd := exec.Command("tc", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func kbpsToBps(kbps int) uint64 {
	return uint64(kbps) * 125
}

func isAlreadyExistsNetlink(err error) bool {
	return err != nil && strings.Contains(err.Error(), "file exists")
}
