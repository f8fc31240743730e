package model

// Role 表示用户角色。角色之间不是层级关系，权限由 Capability 判定。
type Role string

const (
	// RoleAdmin 系统管理员。
	RoleAdmin Role = "admin"
	// RoleManager 案件主管。
	RoleManager Role = "manager"
	// RoleInvestigator 调查员。
	RoleInvestigator Role = "investigator"
)

// Valid 判断角色是否为已知取值。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleInvestigator:
		return true
	}
	return false
}

// User 表示系统用户（users 表）。密码只保存加盐哈希。
type User struct {
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	FullName     string `json:"full_name"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
	Active       bool   `json:"is_active"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	LastLoginAt  int64  `json:"last_login_at,omitempty"`
}

// Capability 是随每次核心调用传入的权限项。
type Capability string

const (
	// CapWriteRecords 创建案件/证据/保管记录，所有角色都有。
	CapWriteRecords Capability = "write_records"
	// CapOverrideHolder 非当前持有人也可发起移交。
	CapOverrideHolder Capability = "override_holder"
	// CapVoidCustody 追加 record_voided 补偿记录。
	CapVoidCustody Capability = "void_custody"
	// CapDeleteRecords 删除案件/报告。
	CapDeleteRecords Capability = "delete_records"
	// CapViewAudit 查看与校验审计日志。
	CapViewAudit Capability = "view_audit"
	// CapManageUsers 用户管理。
	CapManageUsers Capability = "manage_users"
)

var roleCapabilities = map[Role][]Capability{
	RoleAdmin: {
		CapWriteRecords, CapOverrideHolder, CapVoidCustody,
		CapDeleteRecords, CapViewAudit, CapManageUsers,
	},
	RoleManager: {
		CapWriteRecords, CapOverrideHolder, CapVoidCustody,
		CapDeleteRecords, CapViewAudit,
	},
	RoleInvestigator: {
		CapWriteRecords,
	},
}

// Actor 是身份层提供的调用者：核心层信任该输入，不再重复鉴权。
type Actor struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role"`
}

// Can 判断调用者角色是否具备某项能力。
func (a Actor) Can(c Capability) bool {
	for _, have := range roleCapabilities[a.Role] {
		if have == c {
			return true
		}
	}
	return false
}
