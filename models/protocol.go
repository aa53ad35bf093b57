package models

// Command is the numeric wire command carried in a frame's "cmd" field.
type Command int

const (
	CommandMessage     Command = 200
	CommandGet         Command = 201
	CommandTransaction Command = 202
	CommandOpen        Command = 203
	CommandSet         Command = 204
	CommandAck         Command = 205
	CommandPublish     Command = 206
	CommandDelete      Command = 207
	CommandClose       Command = 208
	CommandSync        Command = 209
)

// MessageType classifies the payload of a MESSAGE frame.
type MessageType int

const (
	TypeText     MessageType = 1
	TypeFile     MessageType = 2
	TypeTempNote MessageType = 3
	TypeNotif    MessageType = 4
	TypeAlert    MessageType = 5
)

// DeliveryStatus is reported inside ACK props.status.
type DeliveryStatus int

const (
	StatusNotDelivered DeliveryStatus = 50
	StatusDelivered    DeliveryStatus = 51
	StatusRead         DeliveryStatus = 52
)

// GroupAction is carried in params.action of group notifications.
type GroupAction int

const (
	GroupCreate       GroupAction = 1
	GroupDelete       GroupAction = 2
	GroupNewMember    GroupAction = 3
	GroupRemoveMember GroupAction = 4
)

// Sub-types used in GET/SYNC args.type.
const (
	SyncTypeHistory = "history"
	SyncTypeGroups  = "groups"
)

// Props keys understood by the engine.
const (
	PropEncrypted   = "encr"
	PropCompression = "cmpr"
	PropEncoding    = "encoding"
	PropFileType    = "file_type"
	PropExtension   = "ext"
	PropFilename    = "filename"
	PropSize        = "size"
	PropMimeType    = "mime_type"
	PropOldID       = "old_id"
	PropNewID       = "new_id"
	PropStatus      = "status"
	PropDevice      = "device"
)

// Values for PropEncoding.
const (
	EncodingBase64 = "base64"
	EncodingUTF8   = "utf8"
)

// Values for PropCompression.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// GroupPrefix marks a recipient id as a group conversation.
const GroupPrefix = "G:"
