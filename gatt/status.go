package gatt

import "fmt"

// Status is the outcome of a GATT operation as reported by the platform stack.
// Values 0x00-0xFF are ATT/GATT codes; negative values are produced by the queue itself.
type Status int

const (
	StatusSuccess                     Status = 0x00
	StatusReadNotPermitted            Status = 0x02
	StatusWriteNotPermitted           Status = 0x03
	StatusInsufficientAuthentication  Status = 0x05
	StatusRequestNotSupported         Status = 0x06
	StatusInvalidOffset               Status = 0x07
	StatusInvalidAttributeValueLength Status = 0x0D
	StatusInsufficientEncryption      Status = 0x0F
	StatusConnectionCongested         Status = 0x8F
	StatusFailure                     Status = 0x101

	// StatusTimeout is reported when no callback arrived before the deadline
	StatusTimeout Status = -1
	// StatusDispatchFailed is reported when the transport call itself returned an error
	StatusDispatchFailed Status = -2
	// StatusRejected is reported for an operation the queue refused to take
	StatusRejected Status = -3
)

var statusNames = map[Status]string{
	StatusSuccess:                     "Success",
	StatusReadNotPermitted:            "Read Not Permitted",
	StatusWriteNotPermitted:           "Write Not Permitted",
	StatusInsufficientAuthentication:  "Insufficient Authentication",
	StatusRequestNotSupported:         "Request Not Supported",
	StatusInvalidOffset:               "Invalid Offset",
	StatusInvalidAttributeValueLength: "Invalid Attribute Value Length",
	StatusInsufficientEncryption:      "Insufficient Encryption",
	StatusConnectionCongested:         "Connection Congested",
	StatusFailure:                     "Failure",
	StatusTimeout:                     "Timeout",
	StatusDispatchFailed:              "Dispatch Failed",
	StatusRejected:                    "Rejected",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	if s >= 0x80 && s <= 0x9F {
		return fmt.Sprintf("Application Error (0x%02X)", int(s))
	}
	return fmt.Sprintf("Unknown Status (0x%02X)", int(s))
}

// IsAuthenticationFailure reports statuses that mean the link needs bonding first
func (s Status) IsAuthenticationFailure() bool {
	return s == StatusInsufficientAuthentication || s == StatusInsufficientEncryption
}
