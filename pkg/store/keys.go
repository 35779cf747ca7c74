package store

import "fmt"

// Key layout. Index keys are zero-padded so lexicographic order equals
// numeric order.
//
//	teams:<teamID>                                -> Team JSON
//	team:<teamID>:conv:<entityID>:meta            -> ConversationMeta JSON
//	team:<teamID>:conv:<entityID>:msg:<%012d>     -> ChatMessage JSON
//	team:<teamID>:msgid:<messageID>               -> locator JSON {entity,index}
//	team:<teamID>:read:<playerID>:<entityID>      -> PlayerReadState JSON
func teamRowKey(teamID string) []byte {
	return []byte("teams:" + teamID)
}

func teamPrefix(teamID string) []byte {
	return []byte("team:" + teamID + ":")
}

func convMetaKey(teamID, entityID string) []byte {
	return []byte("team:" + teamID + ":conv:" + entityID + ":meta")
}

func convPrefix(teamID, entityID string) []byte {
	return []byte("team:" + teamID + ":conv:" + entityID + ":")
}

func msgPrefix(teamID, entityID string) []byte {
	return []byte("team:" + teamID + ":conv:" + entityID + ":msg:")
}

func msgKey(teamID, entityID string, index int) []byte {
	return []byte(fmt.Sprintf("team:%s:conv:%s:msg:%012d", teamID, entityID, index))
}

func locatorKey(teamID, messageID string) []byte {
	return []byte("team:" + teamID + ":msgid:" + messageID)
}

func readStateKey(teamID, playerID, entityID string) []byte {
	return []byte("team:" + teamID + ":read:" + playerID + ":" + entityID)
}

func readStatePrefix(teamID, playerID string) []byte {
	return []byte("team:" + teamID + ":read:" + playerID + ":")
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an iterator upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
