package mavlink

import (
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/skyloom/patternpilot/internal/vehicle"
)

// PX4 custom main modes.
const (
	px4MainManual     = 1
	px4MainAltCtl     = 2
	px4MainPosCtl     = 3
	px4MainAuto       = 4
	px4MainAcro       = 5
	px4MainOffboard   = 6
	px4MainStabilized = 7
	px4MainRattitude  = 8
)

// PX4 AUTO sub-modes.
const (
	px4AutoReady    = 1
	px4AutoTakeoff  = 2
	px4AutoLoiter   = 3
	px4AutoMission  = 4
	px4AutoRTL      = 5
	px4AutoLand     = 6
	px4AutoFollow   = 8
	px4AutoPrecLand = 9
)

// killMagic in param2 of an arm/disarm command disarms even in flight.
const killMagic = 21196

// px4CustomMode packs a main and sub mode the way PX4 reports them in
// HEARTBEAT.custom_mode.
func px4CustomMode(main, sub uint8) uint32 {
	return uint32(main)<<16 | uint32(sub)<<24
}

// px4ModeName maps HEARTBEAT.custom_mode to a flight mode name.
func px4ModeName(customMode uint32) string {
	main := (customMode >> 16) & 0xff
	sub := (customMode >> 24) & 0xff

	switch main {
	case px4MainManual:
		return vehicle.ModeManual
	case px4MainAltCtl:
		return "ALTCTL"
	case px4MainPosCtl:
		return "POSCTL"
	case px4MainAcro:
		return "ACRO"
	case px4MainOffboard:
		return vehicle.ModeOffboard
	case px4MainStabilized:
		return "STABILIZED"
	case px4MainRattitude:
		return "RATTITUDE"
	case px4MainAuto:
		switch sub {
		case px4AutoReady:
			return "READY"
		case px4AutoTakeoff:
			return vehicle.ModeTakeoff
		case px4AutoLoiter:
			return vehicle.ModeHold
		case px4AutoMission:
			return "MISSION"
		case px4AutoRTL:
			return vehicle.ModeRTL
		case px4AutoLand:
			return vehicle.ModeLand
		case px4AutoFollow:
			return "FOLLOW_ME"
		case px4AutoPrecLand:
			return "PRECISION_LAND"
		}
	}
	return vehicle.ModeUnknown
}

// gpsFixName maps GPS_RAW_INT.fix_type to a fix name.
func gpsFixName(fix common.GPS_FIX_TYPE) string {
	switch fix {
	case common.GPS_FIX_TYPE_2D_FIX:
		return "FIX_2D"
	case common.GPS_FIX_TYPE_3D_FIX:
		return "FIX_3D"
	case common.GPS_FIX_TYPE_DGPS:
		return "FIX_DGPS"
	case common.GPS_FIX_TYPE_RTK_FLOAT:
		return "RTK_FLOAT"
	case common.GPS_FIX_TYPE_RTK_FIXED:
		return "RTK_FIXED"
	case common.GPS_FIX_TYPE_NO_GPS:
		return "NO_GPS"
	default:
		return vehicle.FixNone
	}
}
