// Пакет rbac — логика определения роли пользователя StudyHub.
// Роли грубой гранулярности: student < lecturer < admin.
// При нескольких ролях из IdP побеждает роль с максимальными привилегиями.
package rbac

// Роли в порядке возрастания привилегий.
const (
	RoleStudent  = "student"
	RoleLecturer = "lecturer"
	RoleAdmin    = "admin"
)

// roleWeight — вес роли для сравнения.
// Чем выше вес, тем больше привилегий.
var roleWeight = map[string]int{
	RoleStudent:  1,
	RoleLecturer: 2,
	RoleAdmin:    3,
}

// maxRole возвращает роль с максимальными привилегиями из двух.
func maxRole(a, b string) string {
	wa := roleWeight[a]
	wb := roleWeight[b]
	if wa >= wb {
		return a
	}
	return b
}

// HighestRole возвращает максимальную допустимую роль из набора.
// Неизвестные значения игнорируются. Если допустимых ролей нет —
// возвращает пустую строку (pending).
func HighestRole(roles []string) string {
	highest := ""
	for _, r := range roles {
		if !IsValidRole(r) {
			continue
		}
		if highest == "" {
			highest = r
			continue
		}
		highest = maxRole(highest, r)
	}
	return highest
}

// IsValidRole проверяет, является ли строка допустимой ролью.
func IsValidRole(role string) bool {
	_, ok := roleWeight[role]
	return ok
}

// ValidRoles возвращает список допустимых ролей (для сообщений об ошибках).
func ValidRoles() []string {
	return []string{RoleStudent, RoleLecturer, RoleAdmin}
}
