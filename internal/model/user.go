// internal/model/user.go
package model

// User is an entry of the agency user directory. Campaign recipients are
// resolved from it by role and status.
type User struct {
	ID        int64  `db:"id" json:"id"`
	Email     string `db:"email" json:"email"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Role      string `db:"role" json:"role"`
	Status    string `db:"status" json:"status"`
}
