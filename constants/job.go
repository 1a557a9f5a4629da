package constants

import "time"

// JobType names a unit of deferred work in queue_jobs.
type JobType string

const (
	JobGeneratePDF           JobType = "generate_pdf"
	JobSendAutentique        JobType = "send_autentique"
	JobSendEmail             JobType = "send_email"
	JobAutentiqueStatusCheck JobType = "autentique_status_check"
	JobAutentiqueDownload    JobType = "autentique_download"
)

// JobTypes holds every job type the producer may write.
var JobTypes = []JobType{
	JobGeneratePDF,
	JobSendAutentique,
	JobSendEmail,
	JobAutentiqueStatusCheck,
	JobAutentiqueDownload,
}

// Job priorities; consumers drain higher values first.
const (
	PriorityLow    = 1
	PriorityMedium = 5
	PriorityHigh   = 10
)

// StatusCheckDelay is how long after document creation the first status poll runs.
const StatusCheckDelay = 5 * time.Minute
