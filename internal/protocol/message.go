package protocol

type Message interface {
	Type() MessageType
}

type Error struct {
	Code    ErrorCode
	Message string
}

func (Error) Type() MessageType { return MsgError }

type FileChunk struct {
	Data     []byte
	FileHash [HashSize]byte
	Index    uint32
}

func (FileChunk) Type() MessageType { return MsgFileChunk }

// FileAck answers a completed transfer. Err is empty when the file was stored
// and its hash verified.
type FileAck struct {
	Err  string
	Hash [HashSize]byte
}

func (FileAck) Type() MessageType { return MsgFileAck }

type FileOffer struct {
	Chunks       uint32
	Hash         [HashSize]byte
	MaxChunkSize uint32
	Name         string
	Size         uint64
}

func (FileOffer) Type() MessageType { return MsgFileOffer }

// Hello is the first message on every direct connection, in both directions.
type Hello struct {
	Identity   PeerIdentity
	ListenAddr string
	Server     bool
}

func (Hello) Type() MessageType { return MsgHello }

type NodeInfo struct {
	Addr     string
	Identity PeerIdentity
	Server   bool
}

// NodeList is pushed by a server to a freshly connected node.
type NodeList struct {
	Nodes []NodeInfo
}

func (NodeList) Type() MessageType { return MsgNodeList }

type Ping struct{}

func (Ping) Type() MessageType { return MsgPing }

type Pong struct{}

func (Pong) Type() MessageType { return MsgPong }
