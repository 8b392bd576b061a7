package relay

import (
	"fmt"
	"strings"
)

// Target names the controller a relay lives on.
type Target string

const (
	TargetMaster Target = "master"
	TargetSlave  Target = "slave"
)

// Relay ranges per controller kind.
const (
	MaxMasterRelay = 15
	MaxSlaveRelay  = 7
)

// Address identifies exactly one relay. It is either a Master or a Slave.
type Address interface {
	Target() Target
	Relay() int
	// Key is the composite relay key used by caches, trackers and acks.
	Key() string
	isAddress()
}

// Master addresses a relay wired to the master controller.
type Master struct {
	Number int
}

func (m Master) Target() Target { return TargetMaster }
func (m Master) Relay() int     { return m.Number }
func (m Master) Key() string    { return Key("", m.Number) }
func (Master) isAddress()       {}

// Slave addresses a relay on a slave reached through the master's radio link.
type Slave struct {
	MAC    string
	Number int
}

func (s Slave) Target() Target { return TargetSlave }
func (s Slave) Relay() int     { return s.Number }
func (s Slave) Key() string    { return Key(s.MAC, s.Number) }
func (Slave) isAddress()       {}

// Key builds the relay key. An empty mac means the master.
func Key(mac string, number int) string {
	if mac == "" {
		return fmt.Sprintf("%s-%d", TargetMaster, number)
	}
	return fmt.Sprintf("%s-%d", NormalizeMAC(mac), number)
}

// NormalizeMAC upper-cases and trims a MAC address.
func NormalizeMAC(mac string) string {
	return strings.ToUpper(strings.TrimSpace(mac))
}

// InRange reports whether the address's relay number fits its controller.
func InRange(a Address) bool {
	n := a.Relay()
	switch a.Target() {
	case TargetSlave:
		return n >= 0 && n <= MaxSlaveRelay
	default:
		return n >= 0 && n <= MaxMasterRelay
	}
}

// Resolve turns the flat wire fields into an Address. Unknown targets and
// slave targets without a MAC cannot be resolved.
func Resolve(target Target, mac string, number int) (Address, error) {
	switch target {
	case TargetMaster, "":
		return Master{Number: number}, nil
	case TargetSlave:
		if strings.TrimSpace(mac) == "" {
			return nil, fmt.Errorf("slave target requires slave_mac")
		}
		return Slave{MAC: NormalizeMAC(mac), Number: number}, nil
	default:
		return nil, fmt.Errorf("unknown relay target %q", target)
	}
}

// SlaveDeviceID derives the firmware identifier of a slave from its MAC.
func SlaveDeviceID(mac string) string {
	return "ESP32_SLAVE_" + strings.ReplaceAll(NormalizeMAC(mac), ":", "_")
}

// Action is the commanded relay state.
type Action string

const (
	On  Action = "on"
	Off Action = "off"
)

// Valid reports whether a is on or off.
func (a Action) Valid() bool { return a == On || a == Off }

// State reports the boolean relay state a leads to.
func (a Action) State() bool { return a == On }
