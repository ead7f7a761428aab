package auth

// Credentials presented to the proxy. Domain and Workstation are only used by
// NTLM.
type Credentials struct {
	Username    string
	Password    string
	Domain      string
	Workstation string
}

// Empty reports whether no user name was configured.
func (c Credentials) Empty() bool {
	return c.Username == ""
}
