package s2n

import "fmt"

// Alert is a TLS alert description.  Alert values double as error values
// for protocol-level failures, including the pseudo-alert AlertWouldBlock
// used to signal a retryable transport condition.
type Alert uint8

const (
	// Alert levels on the wire
	alertLevelWarning = 1
	alertLevelError   = 2
)

const (
	AlertCloseNotify            Alert = 0
	AlertUnexpectedMessage      Alert = 10
	AlertBadRecordMAC           Alert = 20
	AlertRecordOverflow         Alert = 22
	AlertHandshakeFailure       Alert = 40
	AlertIllegalParameter       Alert = 47
	AlertDecodeError            Alert = 50
	AlertDecryptError           Alert = 51
	AlertProtocolVersion        Alert = 70
	AlertInsufficientSecurity   Alert = 71
	AlertInternalError          Alert = 80
	AlertUserCanceled           Alert = 90
	AlertNoRenegotiation        Alert = 100
	AlertUnsupportedExtension   Alert = 110
	AlertUnrecognizedName       Alert = 112
	AlertNoApplicationProtocol  Alert = 120
	AlertWouldBlock             Alert = 254
	AlertNoAlert                Alert = 255
)

// alertWireLength is the size of an alert on the wire: one level byte
// followed by one description byte.
const alertWireLength = 2

func (alert Alert) String() string {
	switch alert {
	case AlertCloseNotify:
		return "close notify"
	case AlertUnexpectedMessage:
		return "unexpected message"
	case AlertBadRecordMAC:
		return "bad record MAC"
	case AlertRecordOverflow:
		return "record overflow"
	case AlertHandshakeFailure:
		return "handshake failure"
	case AlertIllegalParameter:
		return "illegal parameter"
	case AlertDecodeError:
		return "error decoding message"
	case AlertDecryptError:
		return "error decrypting message"
	case AlertProtocolVersion:
		return "protocol version not supported"
	case AlertInsufficientSecurity:
		return "insufficient security level"
	case AlertInternalError:
		return "internal error"
	case AlertUserCanceled:
		return "user canceled"
	case AlertNoRenegotiation:
		return "no renegotiation"
	case AlertUnsupportedExtension:
		return "unsupported extension"
	case AlertUnrecognizedName:
		return "unrecognized name"
	case AlertNoApplicationProtocol:
		return "no application protocol"
	case AlertWouldBlock:
		return "would have blocked"
	case AlertNoAlert:
		return "no alert"
	}
	return "alert(" + fmt.Sprintf("%d", uint8(alert)) + ")"
}

func (alert Alert) Error() string {
	return alert.String()
}

// level returns the wire level for an alert generated locally.  Only
// close_notify and the renegotiation refusal are warnings; everything
// else we originate is fatal.
func (alert Alert) level() uint8 {
	switch alert {
	case AlertCloseNotify, AlertNoRenegotiation, AlertUserCanceled:
		return alertLevelWarning
	}
	return alertLevelError
}
