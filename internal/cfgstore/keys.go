package cfgstore

// Slot keys. The position of a key in [Keys] is its slot index and
// therefore its on-flash offset: entries may be appended but never
// reordered or removed.
const (
	KeyNodeMode          = "node_mode"
	KeyCoverOpen         = "cover_open"
	KeyCoverClose        = "cover_close"
	KeyCoverUpTime       = "cover_up_time"
	KeyCoverDownTime     = "cover_down_time"
	KeyCoverPollingTime  = "cover_polling_time"
	KeyCoverLastPosition = "cover_last_position"
	KeyDHT11Enable       = "dht11_enable"
	KeySwitchMode        = "switch_mode"
	KeySwitchPulseTime   = "switch_pulse_time"
	KeySwitchLastState   = "switch_last_state"
)

var keyTable = []string{
	KeyNodeMode,
	KeyCoverOpen,
	KeyCoverClose,
	KeyCoverUpTime,
	KeyCoverDownTime,
	KeyCoverPollingTime,
	KeyCoverLastPosition,
	KeyDHT11Enable,
	KeySwitchMode,
	KeySwitchPulseTime,
	KeySwitchLastState,
}

// Keys returns the slot table in index order.
func Keys() []string {
	return append([]string(nil), keyTable...)
}
