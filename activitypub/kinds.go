package activitypub

// Kind is the closed set of activity types the dispatcher understands.
// Anything else maps to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota
	KindCreate
	KindUpdate
	KindDelete
	KindFollow
	KindAccept
	KindReject
	KindAdd
	KindRemove
	KindAnnounce
	KindLike
	KindUndo
	KindBlock
	KindFlag
	KindMove
	KindCollection
)

var kindsByType = map[string]Kind{
	"Create":                KindCreate,
	"Update":                KindUpdate,
	"Delete":                KindDelete,
	"Follow":                KindFollow,
	"Accept":                KindAccept,
	"Reject":                KindReject,
	"Add":                   KindAdd,
	"Remove":                KindRemove,
	"Announce":              KindAnnounce,
	"Like":                  KindLike,
	"EmojiReact":            KindLike,
	"EmojiReaction":         KindLike,
	"Undo":                  KindUndo,
	"Block":                 KindBlock,
	"Flag":                  KindFlag,
	"Move":                  KindMove,
	"Collection":            KindCollection,
	"OrderedCollection":     KindCollection,
	"CollectionPage":        KindCollection,
	"OrderedCollectionPage": KindCollection,
}

var kindNames = [...]string{
	KindUnknown:    "Unknown",
	KindCreate:     "Create",
	KindUpdate:     "Update",
	KindDelete:     "Delete",
	KindFollow:     "Follow",
	KindAccept:     "Accept",
	KindReject:     "Reject",
	KindAdd:        "Add",
	KindRemove:     "Remove",
	KindAnnounce:   "Announce",
	KindLike:       "Like",
	KindUndo:       "Undo",
	KindBlock:      "Block",
	KindFlag:       "Flag",
	KindMove:       "Move",
	KindCollection: "Collection",
}

func KindOf(typ string) Kind {
	return kindsByType[typ]
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "Unknown"
	}
	return kindNames[k]
}

// Object types treated as posts.
var postTypes = map[string]bool{
	"Note":     true,
	"Question": true,
	"Article":  true,
	"Page":     true,
	"Audio":    true,
	"Document": true,
	"Image":    true,
	"Video":    true,
	"Event":    true,
}

var actorTypes = map[string]bool{
	"Person":       true,
	"Service":      true,
	"Group":        true,
	"Organization": true,
	"Application":  true,
}

func IsPostType(typ string) bool {
	return postTypes[typ]
}

func IsActorType(typ string) bool {
	return actorTypes[typ]
}
