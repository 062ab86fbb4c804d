package protocol

//go:generate go tool stringer -type=Kind -trimprefix=Kind

// Kind tags every message on the wire.
type Kind uint8

const (
	KindParameters Kind = iota + 1
	KindLoadMesh
	KindCompileMaterial
	KindMaterial
	KindReflect
	KindReflection
	KindLoadTexture
	KindTextureAck
	KindLoadGradient
	KindRender
)

// Channel names a logical duplex message channel.
type Channel string

const (
	ChannelParams     Channel = "PARAMS"
	ChannelMesh       Channel = "MESH"
	ChannelMaterial   Channel = "MATERIAL"
	ChannelReflection Channel = "REFLECTION"
	ChannelTexture    Channel = "TEXTURE"
	ChannelGradient   Channel = "GRADIENT"
	ChannelRender     Channel = "RENDER"
)

// Channels lists every channel in the order the worker drains them.
var Channels = []Channel{
	ChannelParams,
	ChannelMaterial,
	ChannelReflection,
	ChannelMesh,
	ChannelTexture,
	ChannelGradient,
	ChannelRender,
}

var channelKinds = map[Channel][]Kind{
	ChannelParams:     {KindParameters},
	ChannelMesh:       {KindLoadMesh},
	ChannelMaterial:   {KindCompileMaterial, KindMaterial},
	ChannelReflection: {KindReflect, KindReflection},
	ChannelTexture:    {KindLoadTexture, KindTextureAck},
	ChannelGradient:   {KindLoadGradient},
	ChannelRender:     {KindRender},
}

// Accepts reports whether messages of kind k may travel on c.
func (c Channel) Accepts(k Kind) bool {
	for _, ck := range channelKinds[c] {
		if ck == k {
			return true
		}
	}
	return false
}
