package core

// Logger is any service that can log messages.
// args are optional and may hold an error, a map[string]interface{} of extra data or the acting user.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Actor identifies the user on whose behalf something is done.
type Actor struct {
	ID       string
	Username string
	Email    string
}
