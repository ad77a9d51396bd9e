package linking

const (
	CommandStart  = "/start"
	CommandCancel = "/cancel"
	CommandHelp   = "/help"
	CommandStatus = "/status"
)

const (
	msgUsage           = "Please link your account by typing: /start your_email@example.com"
	msgNotRegistered   = "Email not found. Please register first."
	msgLinked          = "Email %s successfully linked to this chat."
	msgAlreadyLinked   = "This chat is already linked to %s."
	msgConfirmUnlink   = "%s is already linked to another Telegram account. Unlink it and link this chat instead? Reply yes or no."
	msgReplyYesNo      = "Please reply yes or no."
	msgCancelled       = "Link request cancelled."
	msgNothingCancel   = "There is nothing to cancel."
	msgOTPSent         = "We sent a %d-digit code to %s. Reply with the code to continue."
	msgOTPHint         = "Please send the %d-digit code from your email, or /cancel to stop."
	msgOTPMismatch     = "Invalid code. Please try again."
	msgOTPExpired      = "This code has expired. Send /cancel and start again to get a new one."
	msgOTPAccepted     = "Code accepted. Please share your phone number to finish linking."
	msgShareContact    = "Please share your phone number using the button below, or send /cancel to stop."
	msgPhoneUnreadable = "Unable to read the phone number. Please try again."
	msgTransferred     = "Your account %s is now linked to this chat."
	msgPreviousChat    = "This chat is no longer linked to %s."
	msgNothingConfirm  = "There is nothing to confirm right now."
	msgStale           = "This link request is no longer active. Send /start your_email@example.com to begin again."
	msgTooManyCodes    = "Too many codes requested. Please try again later."
	msgTooManyTries    = "Too many attempts. Please wait before trying again."
	msgStatusLinked    = "This chat is linked to %s."
	msgStatusUnlinked  = "This chat is not linked yet. Use /start your_email@example.com to link it."
	msgTryLater        = "Something went wrong. Please try again later."
	msgEcho            = "You said: %s"
	msgHelp            = "I link this chat to your account.\n" +
		"Send /start your_email@example.com to begin.\n" +
		"If the email is already linked elsewhere, I will ask you to confirm and send a code to your email.\n" +
		"Send /status to see the current link, or /cancel to stop a pending request."

	subjectOTP         = "Your verification code"
	bodyOTP            = "Your code to link a new Telegram chat is %s. It expires in %d minutes.\nIf you did not request it, ignore this email."
	subjectTransferred = "Telegram account linked"
	bodyTransferred    = "Your account %s is now linked to a new Telegram chat."
)
