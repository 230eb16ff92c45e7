package model

type ConnectionStatus string

const (
	ConnectionStatusPending   ConnectionStatus = "pending"
	ConnectionStatusConnected ConnectionStatus = "connected"
)

type ContentType string

const (
	ContentTypeText ContentType = "text"
)

// ContentTypes lists the content types the channel accepts.
var ContentTypes = []ContentType{ContentTypeText}

type PairingMethod string

const (
	PairingMethodQR  PairingMethod = "qr"
	PairingMethodPIN PairingMethod = "pin"
)
