package gateway

type Intent = uint

// https://discord.com/developers/docs/events/gateway#gateway-intents
const (
	GuildsIntent                      Intent = 1 << 0
	GuildMembersIntent                Intent = 1 << 1
	GuildModerationIntent             Intent = 1 << 2
	GuildExpressionIntent             Intent = 1 << 3
	GuildIntegrationsIntent           Intent = 1 << 4
	GuildWebhooksIntent               Intent = 1 << 5
	GuildInvitesIntent                Intent = 1 << 6
	GuildVoiceStatesIntent            Intent = 1 << 7
	GuildPresencesIntent              Intent = 1 << 8
	GuildMessagesIntent               Intent = 1 << 9
	GuildMessageReactionIntent        Intent = 1 << 10
	GuildMessageTypingIntent          Intent = 1 << 11
	DirectMessageIntent               Intent = 1 << 12
	DirectMessageReactionIntent       Intent = 1 << 13
	DirectMessageTypingIntent         Intent = 1 << 14
	MessageContentIntent              Intent = 1 << 15
	GuildScheduledEventsIntent        Intent = 1 << 16
	AutoModerationConfigurationIntent Intent = 1 << 20
	AutoModerationExecutionIntent     Intent = 1 << 21
	GuildMessagePollsIntent           Intent = 1 << 24
	DirectMessagePollsIntent          Intent = 1 << 25
)
