// Package wsapi is the WebSocket front-end described in spec sections
// 2.14, 4.1, and 6: it upgrades incoming connections, authenticates them
// via the challenge-response handshake, and dispatches every other
// frame type to the appropriate backend component.
package wsapi

import "encoding/json"

// FrameType is a closed set of client<->server frame discriminators.
// Using a typed tagged union here — rather than passing around bare
// map[string]interface{} payloads — is a deliberate departure from a
// looser wire format: every payload shape is decoded once, by type,
// with a compile-time-checked Go struct on the other end.
type FrameType string

const (
	// Client -> server.
	FrameRegister           FrameType = "register"
	FrameRegisterProof      FrameType = "register_proof"
	FrameSendMessage        FrameType = "send_message"
	FrameDeliveryReceipt    FrameType = "delivery_receipt"
	FrameFetchPending       FrameType = "fetch_pending"
	FramePing               FrameType = "ping"
	FrameReaction           FrameType = "reaction"
	FrameTyping             FrameType = "typing"
	FrameBlockUser          FrameType = "block_user"
	FrameUnblockUser        FrameType = "unblock_user"
	FrameDeleteAccount      FrameType = "delete_account"
	FrameCallInitiate       FrameType = "call_initiate"
	FrameCallAnswer         FrameType = "call_answer"
	FrameCallICECandidate   FrameType = "call_ice_candidate"
	FrameCallEnd            FrameType = "call_end"
	FrameGetTURNCredentials FrameType = "get_turn_credentials"
	FrameCreateGroup        FrameType = "create_group"
	FrameSendGroupMessage   FrameType = "send_group_message"
	FrameUpdateGroup        FrameType = "update_group"
	FrameLeaveGroup         FrameType = "leave_group"
	FrameLookupPublicKey    FrameType = "lookup_public_key"
	FrameReportUser         FrameType = "report_user"
	FrameSetPrivacyPrefs    FrameType = "set_privacy_prefs"

	// Server -> client.
	FrameRegisterChallenge  FrameType = "register_challenge"
	FrameRegisterAck        FrameType = "register_ack"
	FrameMessageReceived    FrameType = "message_received"
	FrameMessageDelivered   FrameType = "message_delivered"
	FrameDeliveryStatus     FrameType = "delivery_status"
	FramePendingMessages    FrameType = "pending_messages"
	FramePong               FrameType = "pong"
	FrameReactionReceived   FrameType = "reaction_received"
	FrameTypingStatus       FrameType = "typing_status"
	FrameBlockAck           FrameType = "block_ack"
	FrameUnblockAck         FrameType = "unblock_ack"
	FrameAccountDeleted     FrameType = "account_deleted"
	FrameIncomingCall       FrameType = "incoming_call"
	FrameCallRinging        FrameType = "call_ringing"
	FrameCallAnswered       FrameType = "call_answered"
	FrameCallEnded          FrameType = "call_ended"
	FrameTURNCredentials    FrameType = "turn_credentials"
	FrameGroupCreated       FrameType = "group_created"
	FrameGroupMessageRecv   FrameType = "group_message_received"
	FrameGroupUpdated       FrameType = "group_updated"
	FrameMemberLeftGroup    FrameType = "member_left_group"
	FramePublicKeyResponse  FrameType = "public_key_response"
	FrameReportAck          FrameType = "report_ack"

	FrameError FrameType = "error"
)

// Frame is the envelope every WebSocket message is wrapped in: a type
// tag plus a type-specific payload decoded lazily by the dispatcher.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type registerPayload struct {
	WhisperID           string `json:"whisperId"`
	PublicKey           string `json:"publicKey"`
	SigningPublicKey    string `json:"signingPublicKey"`
	PushToken           string `json:"pushToken"`
	VoIPToken           string `json:"voipToken"`
	Platform            string `json:"platform"`
	SendReadReceipts    *bool  `json:"sendReadReceipts,omitempty"`
	SendTypingIndicator *bool  `json:"sendTypingIndicator,omitempty"`
	HideOnlineStatus    *bool  `json:"hideOnlineStatus,omitempty"`
}

type registerProofPayload struct {
	Signature string `json:"signature"`
}

// imageMetadata, fileMetadata, and replyTo mirror the opaque,
// boolean-guarded optional attachment fields of spec section 3;
// attachmentsBag folds them into a single bag the server never
// introspects beyond forwarding it verbatim.
type imageMetadata struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type fileMetadata struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type replyTo struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	SenderID  string `json:"senderId"`
}

type sendMessagePayload struct {
	MessageID        string         `json:"messageId"`
	ToWhisperID      string         `json:"toWhisperId"`
	EncryptedContent string         `json:"encryptedContent"`
	Nonce            string         `json:"nonce"`
	EncryptedVoice   string         `json:"encryptedVoice,omitempty"`
	VoiceDuration    float64        `json:"voiceDuration,omitempty"`
	EncryptedImage   string         `json:"encryptedImage,omitempty"`
	ImageMetadata    *imageMetadata `json:"imageMetadata,omitempty"`
	EncryptedFile    string         `json:"encryptedFile,omitempty"`
	FileMetadata     *fileMetadata  `json:"fileMetadata,omitempty"`
	IsForwarded      bool           `json:"isForwarded,omitempty"`
	ReplyTo          *replyTo       `json:"replyTo,omitempty"`
}

type deliveryReceiptPayload struct {
	MessageID   string `json:"messageId"`
	ToWhisperID string `json:"toWhisperId"`
	Status      string `json:"status"`
}

type fetchPendingPayload struct {
	Cursor string `json:"cursor"`
}

type reactionPayload struct {
	MessageID   string  `json:"messageId"`
	ToWhisperID string  `json:"toWhisperId"`
	Emoji       *string `json:"emoji"`
}

type typingPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	IsTyping    bool   `json:"isTyping"`
}

type blockUserPayload struct {
	WhisperID string `json:"whisperId"`
}

type deleteAccountPayload struct {
	Confirmation string `json:"confirmation"`
	Timestamp    int64  `json:"timestamp"`
	Signature    string `json:"signature"`
}

type callInitiatePayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
	Offer       string `json:"offer"`
	IsVideo     bool   `json:"isVideo"`
	CallerName  string `json:"callerName,omitempty"`
}

type callAnswerPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
	Answer      string `json:"answer"`
}

type callICEPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
	Candidate   string `json:"candidate"`
}

type callEndPayload struct {
	ToWhisperID string `json:"toWhisperId"`
	CallID      string `json:"callId"`
}

type createGroupPayload struct {
	GroupID string   `json:"groupId"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

type sendGroupMessagePayload struct {
	GroupID          string `json:"groupId"`
	EncryptedContent string `json:"encryptedContent"`
	Nonce            string `json:"nonce"`
	SenderName       string `json:"senderName,omitempty"`
}

type updateGroupPayload struct {
	GroupID      string   `json:"groupId"`
	Name         *string  `json:"name,omitempty"`
	AddMembers   []string `json:"addMembers,omitempty"`
	RemoveMembers []string `json:"removeMembers,omitempty"`
}

type leaveGroupPayload struct {
	GroupID string `json:"groupId"`
}

type lookupPublicKeyPayload struct {
	WhisperID string `json:"whisperId"`
}

type reportUserPayload struct {
	WhisperID string `json:"whisperId"`
	Reason    string `json:"reason,omitempty"`
}

type privacyPrefsPayload struct {
	SendReadReceipts    *bool `json:"sendReadReceipts,omitempty"`
	SendTypingIndicator *bool `json:"sendTypingIndicator,omitempty"`
	HideOnlineStatus    *bool `json:"hideOnlineStatus,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
