package storage

// key layout
//
//	ppr:revoked:<token hash>          string, TTL = token expiry
//	ppr:rl:<user>[:<conn>]            counter, TTL = window
//	ppr:presence:<room>               hash user -> member JSON
const keyPrefix = "ppr:"

func revokedKey(tokenHash string) string { return keyPrefix + "revoked:" + tokenHash }

func limiterKey(userID, connID string) string {
	if connID == "" {
		return keyPrefix + "rl:" + userID
	}
	return keyPrefix + "rl:" + userID + ":" + connID
}

func presenceKey(roomID string) string { return keyPrefix + "presence:" + roomID }
