package session

import "github.com/MrEthical07/authflow/internal"

func hashOf(token string) string { return internal.HashToken(token) }
