package session

// Kind selects the conversation modality. The variants differ only in
// connect-time configuration and a few capabilities (avatar SDP exchange,
// hosted-agent binding), not in separate session implementations.
type Kind string

const (
	KindPlainModel Kind = "plain_model"
	KindAgent      Kind = "agent"
	KindAvatar     Kind = "avatar"
)

// RequiresWireClient reports whether the modality needs raw protocol access.
// Avatar sessions must exchange SDP frames the managed client cannot send.
func (k Kind) RequiresWireClient() bool { return k == KindAvatar }
