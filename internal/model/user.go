package model

import (
	"bytes"
	"encoding/json"
)

// User 当前会话或会话参与者的身份
type User struct {
	ID     string `json:"_id"`
	Name   string `json:"real_name"`
	Handle string `json:"username"`
	Avatar string `json:"profile_image"`
	Email  string `json:"email"`
}

// DisplayName prefers the real name, then the handle, then the id.
func (u User) DisplayName() string {
	switch {
	case u.Name != "":
		return u.Name
	case u.Handle != "":
		return "@" + u.Handle
	default:
		return u.ID
	}
}

// UserRef is a user reference as the backend sends it: either a bare id
// string or a populated user object.
type UserRef struct {
	User
}

func (r *UserRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = UserRef{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var id string
		if err := json.Unmarshal(b, &id); err != nil {
			return err
		}
		*r = UserRef{User: User{ID: id}}
		return nil
	}
	var u User
	if err := json.Unmarshal(b, &u); err != nil {
		return err
	}
	*r = UserRef{User: u}
	return nil
}

func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.ID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(r.User)
}
