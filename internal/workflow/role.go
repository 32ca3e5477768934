package workflow

// Role 相对某个事件的参与方角色，每次查看事件时解析一次
type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
	RoleOther    Role = "other"
)

// ResolveRole 根据用户、是否具备审核能力、事件所有者解析角色。
// 所有者优先：既是所有者又具备审核能力的用户按所有者处理。
func ResolveRole(userID string, canOperate bool, ownerID string) Role {
	switch {
	case userID != "" && userID == ownerID:
		return RoleOwner
	case canOperate:
		return RoleOperator
	default:
		return RoleOther
	}
}

// ParseRole 解析持久化的提议方
func ParseRole(s string) Role {
	switch Role(s) {
	case RoleOwner:
		return RoleOwner
	case RoleOperator:
		return RoleOperator
	}
	return RoleOther
}
