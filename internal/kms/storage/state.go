package storage

// KeyStatus 密钥生命周期状态
type KeyStatus string

const (
	StatusPending  KeyStatus = "pending"
	StatusActive   KeyStatus = "active"
	StatusRotated  KeyStatus = "rotated"
	StatusExpired  KeyStatus = "expired"
	StatusRevoked  KeyStatus = "revoked"
	StatusArchived KeyStatus = "archived"
)

// transitions 合法的状态迁移，终态没有出边
var transitions = map[KeyStatus][]KeyStatus{
	StatusPending: {StatusActive},
	StatusActive:  {StatusRotated, StatusExpired, StatusRevoked},
	StatusRotated: {StatusExpired, StatusArchived, StatusRevoked},
}

// Valid 报告是否为已知状态
func (s KeyStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusRotated, StatusExpired, StatusRevoked, StatusArchived:
		return true
	}
	return false
}

// Terminal 报告是否为终态
func (s KeyStatus) Terminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusArchived
}

// CanTransitionTo 报告 s -> next 是否合法
// rotated -> rotated 表示再次轮换，仅刷新 rotated_at
func (s KeyStatus) CanTransitionTo(next KeyStatus) bool {
	if s == StatusRotated && next == StatusRotated {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CanEncrypt 报告该状态的密钥能否用于新的加密
func (s KeyStatus) CanEncrypt() bool {
	return s == StatusActive || s == StatusRotated
}

// CanDecrypt 报告该状态的密钥能否用于解密历史数据
func (s KeyStatus) CanDecrypt() bool {
	switch s {
	case StatusActive, StatusRotated, StatusExpired, StatusArchived:
		return true
	}
	return false
}

// CanWrapChildren 报告该状态的密钥能否包装新的子密钥
func (s KeyStatus) CanWrapChildren() bool {
	return s.CanEncrypt()
}
