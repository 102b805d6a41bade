package api

import "strings"

// StaffModel is a support agent as returned by the staff endpoint.
type StaffModel struct {
	UID       ID      `json:"_id"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	FullName  *string `json:"fullName"`
	Email     string  `json:"email"`
	PhotoUrl  *string `json:"avatar"`
	Role      string  `json:"role"`
}

func (u *StaffModel) ConvertToDTO() User {
	var name string
	switch {
	case u.FullName != nil && strings.TrimSpace(*u.FullName) != "":
		name = strings.TrimSpace(*u.FullName)
	case u.FirstName != nil && u.LastName != nil:
		name = strings.TrimSpace(*u.FirstName + " " + *u.LastName)
	default:
		name = u.Email
	}

	var avatar string
	if u.PhotoUrl != nil {
		avatar = *u.PhotoUrl
	}

	role := u.Role
	if role == "" {
		role = RoleStaff
	}

	return User{
		Id:          u.UID,
		DisplayName: name,
		Avatar:      avatar,
		Role:        role,
	}
}
