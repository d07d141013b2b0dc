package db

import "errors"

// errTopicNameInvalid and errCredentialsIncomplete guard the client row's
// shape invariants. Client.BeforeSave returns them, which aborts the GORM
// write; nothing outside this package wraps or inspects them.
var (
	errTopicNameInvalid      = errors.New("db: topic_name must look like /data/<Entity>ChangeEvent")
	errCredentialsIncomplete = errors.New("db: oauth_username and oauth_password are both required")
)
