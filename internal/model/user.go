package model

// 用户角色
const (
	RoleTeacher  = "teacher"
	RoleOperator = "operator" // 实验室技术员，可审核时段
	RoleAdmin    = "admin"
)

// User 用户表：对应 users
type User struct {
	UserID       string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"userId"`
	Name         string `gorm:"type:varchar(100);not null"                     json:"name"`
	Email        string `gorm:"type:varchar(255);not null;uniqueIndex"         json:"email"`
	PasswordHash string `gorm:"type:varchar(255);not null"                     json:"-"`
	Role         string `gorm:"type:varchar(20);not null;default:'teacher'"    json:"role"`
	VersionedModel
}

// TableName 指定表名
func (User) TableName() string { return "users" }

// CanOperate 是否具备审核能力
func (u *User) CanOperate() bool {
	return u != nil && (u.Role == RoleOperator || u.Role == RoleAdmin)
}
