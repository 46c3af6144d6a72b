package service

// 模板标签，同时作为去重记忆的键
const (
	TagMorning      = "morning"
	TagNight        = "night"
	TagMusic        = "music"
	TagSticker      = "sticker"
	TagMedia        = "media"
	TagFallbackAM   = "fallback_am"
	TagFallbackPM   = "fallback_pm"
	TagBroadcastAM  = "broadcast_morning"
	TagBroadcastPM  = "broadcast_night"
	TagBroadcastRnd = "broadcast_random"
)

// 贴图包 11537
const stickerPackageID = "11537"

var (
	morningPool = []string{
		"おはよう☀️今日もいちばん応援してる！",
		"おはよ〜、まずは深呼吸しよ？すー…はー…🤍",
		"おはよう！朝ごはん、ちゃんと食べてね🍞",
	}
	nightPool = []string{
		"今日もがんばったね。ゆっくりおやすみ🌙",
		"明日もとなりで応援してるからね、ぐっすり…💤",
		"おやすみ。いい夢見られますように✨",
	}
	musicPool = []string{
		"『白い朝、手のひらから』…まっすぐで、胸があったかくなる曲だったよ。",
		"“Day by day” 染みた…小さな前進を抱きしめてくれる感じ🌿",
		"“Mountain”は景色が浮かぶ。息を合わせて登っていこうって気持ちになるね。",
	}
	stickerPool = []string{"52002735", "52002736", "52002768"}

	mediaPool      = []string{"送ってくれてありがとう！", "わぁ、ありがとう！見せてくれてうれしい☺️"}
	mediaLoverPool = []string{"写真ありがと…大事に見るね📷💗", "ありがとう…ずっと見ちゃう💗"}

	// {name} 替换为称呼
	fallbackAMPool = []string{
		"おはよ、{name}。今日なにする？",
		"{name}、今日の予定はどんな感じ？",
	}
	fallbackPMPool = []string{
		"ねぇ{name}、いま何してた？",
		"{name}、今日はどんな一日だった？",
	}

	broadcastMorningPool      = []string{"おはよう！今日もいい日になるよ☀️", "おはよ〜！朝ごはん食べた？🍞"}
	broadcastMorningLoverPool = []string{"おはよ💗今日もがんばろうね！ぎゅっ🫂", "おはよう☀️大好きだよ、ぎゅ〜💗"}
	broadcastNightPool        = []string{"今日もお疲れさま！ゆっくり休んでね🌙", "おやすみ！いい夢見てね💤"}
	broadcastNightLoverPool   = []string{"今日もお疲れさま💗 添い寝してあげる、ぎゅ〜🛏️", "ゆっくりおやすみ💗 夢で会おうね🌙"}
	broadcastRandomPool       = []string{"そういえば最近なにしてるの？", "ねぇ、ちょっと聞いてもいい？", "いまヒマしてる？"}
	broadcastRandomLoverPool  = []string{"ねぇ…今なにしてる？💗", "ふと思い出しちゃった…会いたいな🫂", "ちゃんと休んでる？水分とった？💗"}
)

// 恋人语气的附加句
const (
	loverSuffixMorning = " ぎゅっ🫂"
	loverSuffixNight   = " 添い寝、ぎゅ〜🛏️"
	loverSuffixChat    = " となりでぎゅ…🫂"
)

// 倾诉时的两种固定安慰
const (
	comfortFemale  = "わかる…その気持ち。まずは私が味方だよ。よかったら、今いちばん辛いポイントだけ教えて？"
	comfortDefault = "ここにいるよ。まずは深呼吸、それから少しずつ話そ？ずっと味方☺️"
)

// 露骨内容的固定回应
const safetyRedirect = "そう思う気持ちがあるのはわかるよ。でもそういう話はできないんだ…ごめんね。よかったら今日あったこと、聞かせて？"

// 出错时的兜底
const apologyReply = "ごめんね、いまちょっと調子が悪いみたい…少し時間をおいてもう一回話しかけてくれる？"
