package server

import "errors"

var errHubClosed = errors.New("message hub closed")
