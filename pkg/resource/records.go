package resource

import "time"

// Access policy values reported for storage buckets.
const (
	PolicyPublic  = "PUBLIC"
	PolicyPrivate = "PRIVATE"
	PolicyUnknown = "UNKNOWN"
)

// NotAvailable marks optional string attributes the provider did not report.
const NotAvailable = "N/A"

// Bucket attributes a provider may fail to read. Listed in
// StorageBucket.Unreadable; the attribute's value is then a default.
const (
	AttrRegion            = "region"
	AttrEncryption        = "encryption"
	AttrAccessPolicy      = "access_policy"
	AttrPublicAccessBlock = "public_access_block"
	AttrVersioning        = "versioning"
)

// ComputeInstance represents an EC2 instance.
type ComputeInstance struct {
	InstanceID       string    `json:"instance_id"`
	InstanceType     string    `json:"instance_type"`
	Region           string    `json:"region"`
	AvailabilityZone string    `json:"availability_zone"`
	State            string    `json:"state"`
	PublicIP         string    `json:"public_ip"`
	PrivateIP        string    `json:"private_ip"`
	SecurityGroups   []string  `json:"security_groups"`
	LaunchTime       string    `json:"launch_time"`
	DiscoveredAt     time.Time `json:"discovered_at"`
}

func (r ComputeInstance) Kind() Kind            { return KindInstance }
func (r ComputeInstance) Key() string           { return r.InstanceID }
func (r ComputeInstance) ObservedAt() time.Time { return r.DiscoveredAt }

// StorageBucket represents an S3 bucket and its exposure settings.
type StorageBucket struct {
	Name              string    `json:"bucket_name"`
	Region            string    `json:"region"`
	EncryptionEnabled bool      `json:"encryption_enabled"`
	EncryptionType    string    `json:"encryption_type"`
	AccessPolicy      string    `json:"access_policy"` // PUBLIC, PRIVATE or UNKNOWN
	BlockPublicAccess bool      `json:"block_public_access"`
	VersioningEnabled bool      `json:"versioning_enabled"`
	CreationDate      string    `json:"creation_date"`
	Unreadable        []string  `json:"unreadable,omitempty"`
	DiscoveredAt      time.Time `json:"discovered_at"`
}

func (r StorageBucket) Kind() Kind            { return KindBucket }
func (r StorageBucket) Key() string           { return r.Name }
func (r StorageBucket) ObservedAt() time.Time { return r.DiscoveredAt }

// Readable reports whether every named attribute was read successfully.
func (r StorageBucket) Readable(attrs ...string) bool {
	for _, a := range attrs {
		for _, u := range r.Unreadable {
			if a == u {
				return false
			}
		}
	}
	return true
}

// IngressRule is one inbound permission of a security group.
// FromPort and ToPort are inclusive; protocol "-1" covers every port.
type IngressRule struct {
	Protocol  string   `json:"protocol"`
	FromPort  int32    `json:"from_port"`
	ToPort    int32    `json:"to_port"`
	CIDRs     []string `json:"cidrs,omitempty"`
	IPv6CIDRs []string `json:"ipv6_cidrs,omitempty"`
}

// SecurityGroup represents an EC2 security group.
type SecurityGroup struct {
	GroupID      string        `json:"group_id"`
	GroupName    string        `json:"group_name"`
	VpcID        string        `json:"vpc_id"`
	Ingress      []IngressRule `json:"ingress"`
	DiscoveredAt time.Time     `json:"discovered_at"`
}

func (r SecurityGroup) Kind() Kind            { return KindSecurityGroup }
func (r SecurityGroup) Key() string           { return r.GroupID }
func (r SecurityGroup) ObservedAt() time.Time { return r.DiscoveredAt }

// AuditTrail represents a CloudTrail trail.
type AuditTrail struct {
	Name                 string    `json:"name"`
	ARN                  string    `json:"arn"`
	HomeRegion           string    `json:"home_region"`
	MultiRegion          bool      `json:"multi_region"`
	LogFileValidation    bool      `json:"log_file_validation"`
	CloudWatchLogGroup   string    `json:"cloudwatch_log_group,omitempty"`
	S3BucketName         string    `json:"s3_bucket_name"`
	IncludesGlobalEvents bool      `json:"includes_global_events"`
	DiscoveredAt         time.Time `json:"discovered_at"`
}

func (r AuditTrail) Kind() Kind            { return KindTrail }
func (r AuditTrail) Key() string           { return r.ARN }
func (r AuditTrail) ObservedAt() time.Time { return r.DiscoveredAt }

// AccountSummary is the identity summary of the primary (root) account.
type AccountSummary struct {
	AccountID    string    `json:"account_id"`
	MFADevices   int32     `json:"mfa_devices"` // AccountMFAEnabled from the IAM summary map
	Users        int32     `json:"users"`
	AccessKeys   int32     `json:"root_access_keys"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

func (r AccountSummary) Kind() Kind            { return KindAccount }
func (r AccountSummary) Key() string           { return r.AccountID }
func (r AccountSummary) ObservedAt() time.Time { return r.DiscoveredAt }

// DatabaseInstance represents an RDS instance.
type DatabaseInstance struct {
	Identifier         string    `json:"identifier"`
	Engine             string    `json:"engine"`
	InstanceClass      string    `json:"instance_class"`
	Status             string    `json:"status"`
	PubliclyAccessible bool      `json:"publicly_accessible"`
	StorageEncrypted   bool      `json:"storage_encrypted"`
	MultiAZ            bool      `json:"multi_az"`
	DiscoveredAt       time.Time `json:"discovered_at"`
}

func (r DatabaseInstance) Kind() Kind            { return KindDatabase }
func (r DatabaseInstance) Key() string           { return r.Identifier }
func (r DatabaseInstance) ObservedAt() time.Time { return r.DiscoveredAt }

// EncryptionKey represents a customer managed KMS key.
type EncryptionKey struct {
	KeyID           string    `json:"key_id"`
	ARN             string    `json:"arn"`
	State           string    `json:"state"`
	Spec            string    `json:"spec"`
	RotationEnabled bool      `json:"rotation_enabled"`
	DiscoveredAt    time.Time `json:"discovered_at"`
}

func (r EncryptionKey) Kind() Kind            { return KindKey }
func (r EncryptionKey) Key() string           { return r.KeyID }
func (r EncryptionKey) ObservedAt() time.Time { return r.DiscoveredAt }
