package turn

import "github.com/turnrelay/turnd/pkg/stun"

// Message type shorthands for the TURN methods, RFC 5766 Section 13.
var (
	AllocateRequest         = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	AllocateSuccess         = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	RefreshRequest          = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	RefreshSuccess          = stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse)
	CreatePermissionRequest = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	CreatePermissionSuccess = stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse)
	ChannelBindRequest      = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)
	ChannelBindSuccess      = stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse)
	SendIndication          = stun.NewType(stun.MethodSend, stun.ClassIndication)
	DataIndication          = stun.NewType(stun.MethodData, stun.ClassIndication)
)
