package gaia

import "github.com/google/uuid"

const (
	AckMask     uint16 = 0x8000
	CommandMask uint16 = 0x7FFF
)

// Vendor identifiers
const (
	VendorQualcomm uint16 = 0x000A
	VendorNone     uint16 = 0x7FFE
)

// Command groups (high byte of the command id)
const (
	GroupConfiguration  uint16 = 0x0100
	GroupControl        uint16 = 0x0200
	GroupStatus         uint16 = 0x0300
	GroupFeatureControl uint16 = 0x0500
	GroupDataTransfer   uint16 = 0x0600
	GroupDebug          uint16 = 0x0700
	GroupNotification   uint16 = 0x4000
)

// Commands used by the engine and its clients. The full name table lives with the application.
const (
	CommandChangeVolume           uint16 = 0x0201
	CommandDeviceReset            uint16 = 0x0202
	CommandGetAPIVersion          uint16 = 0x0300
	CommandGetCurrentRSSI         uint16 = 0x0301
	CommandGetCurrentBatteryLevel uint16 = 0x0302
	CommandGetModuleID            uint16 = 0x0303
	CommandGetApplicationVersion  uint16 = 0x0304
	CommandVMUpgradeConnect       uint16 = 0x0640
	CommandVMUpgradeDisconnect    uint16 = 0x0641
	CommandVMUpgradeControl       uint16 = 0x0642
	CommandNoOperation            uint16 = 0x0700
	CommandRegisterNotification   uint16 = 0x4001
	CommandCancelNotification     uint16 = 0x4002
	CommandEventNotification      uint16 = 0x4003
	CommandGetNotification        uint16 = 0x4081
)

// Group returns the command group of a command id
func Group(command uint16) uint16 {
	return command & CommandMask & 0xFF00
}

// NotificationEvent identifies an event in REGISTER/CANCEL/EVENT_NOTIFICATION payloads
type NotificationEvent uint8

const (
	EventRSSILowThreshold     NotificationEvent = 0x01
	EventRSSIHighThreshold    NotificationEvent = 0x02
	EventBatteryLowThreshold  NotificationEvent = 0x03
	EventBatteryHighThreshold NotificationEvent = 0x04
	EventDeviceStateChanged   NotificationEvent = 0x05
	EventPIOChanged           NotificationEvent = 0x06
	EventDebugMessage         NotificationEvent = 0x07
	EventBatteryCharged       NotificationEvent = 0x08
	EventChargerConnection    NotificationEvent = 0x09
	EventCapsenseUpdate       NotificationEvent = 0x0A
	EventUserAction           NotificationEvent = 0x0B
	EventSpeechRecognition    NotificationEvent = 0x0C
	EventAVCommand            NotificationEvent = 0x0D
	EventRemoteBatteryLevel   NotificationEvent = 0x0E
	EventKey                  NotificationEvent = 0x0F
	EventDFUState             NotificationEvent = 0x10
	EventUARTReceivedData     NotificationEvent = 0x11
	EventVMUPacket            NotificationEvent = 0x12
	EventHostNotification     NotificationEvent = 0x13
)

// GATT identifiers of the GAIA service
var (
	ServiceUUID          = uuid.MustParse("00001100-d102-11e1-9b23-00025b00a5a5")
	CommandEndpointUUID  = uuid.MustParse("00001101-d102-11e1-9b23-00025b00a5a5")
	ResponseEndpointUUID = uuid.MustParse("00001102-d102-11e1-9b23-00025b00a5a5")
	DataEndpointUUID     = uuid.MustParse("00001103-d102-11e1-9b23-00025b00a5a5")

	// SPPServiceUUID is the RFCOMM service record advertised for the BR/EDR transport
	SPPServiceUUID = uuid.MustParse("00001107-d102-11e1-9b23-00025b00a5a5")
)
