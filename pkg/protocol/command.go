package protocol

import "strings"

// Command verbs accepted on the control channel.
const (
	VerbRegister    = "registra"
	VerbLogin       = "login"
	VerbLogout      = "logout"
	VerbAddFriend   = "aggiungi_amico"
	VerbListFriends = "lista_amici"
	VerbChallenge   = "sfida"
	VerbScore       = "mostra_punteggio"
	VerbRanking     = "mostra_classifica"
)

// Command is a tokenized control request.
type Command struct {
	Verb string
	Args []string
}

// ParseCommand splits a request payload on whitespace. An empty payload
// yields an empty verb.
func ParseCommand(payload []byte) Command {
	fields := strings.Fields(string(payload))
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Verb: fields[0], Args: fields[1:]}
}

// Arity returns the number of arguments a verb takes, or -1 if unknown.
func Arity(verb string) int {
	switch verb {
	case VerbRegister, VerbLogin:
		return 2
	case VerbAddFriend, VerbChallenge:
		return 1
	case VerbLogout, VerbListFriends, VerbScore, VerbRanking:
		return 0
	default:
		return -1
	}
}
