package gaia

import "fmt"

// AckStatus is the outcome carried in the first payload byte of an acknowledgement
type AckStatus uint8

const (
	StatusSuccess               AckStatus = 0x00
	StatusNotSupported          AckStatus = 0x01
	StatusNotAuthenticated      AckStatus = 0x02
	StatusInsufficientResources AckStatus = 0x03
	StatusAuthenticating        AckStatus = 0x04
	StatusInvalidParameter      AckStatus = 0x05
	StatusIncorrectState        AckStatus = 0x06
	StatusInProgress            AckStatus = 0x07
)

var statusNames = map[AckStatus]string{
	StatusSuccess:               "Success",
	StatusNotSupported:          "NotSupported",
	StatusNotAuthenticated:      "NotAuthenticated",
	StatusInsufficientResources: "InsufficientResources",
	StatusAuthenticating:        "Authenticating",
	StatusInvalidParameter:      "InvalidParameter",
	StatusIncorrectState:        "IncorrectState",
	StatusInProgress:            "InProgress",
}

func (s AckStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%02X)", uint8(s))
}

// Known reports whether the status is one of the protocol-defined values
func (s AckStatus) Known() bool {
	_, ok := statusNames[s]
	return ok
}
