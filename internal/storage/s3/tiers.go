package s3

import (
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 Storage Tier Constants
const (
	TierStandard          = "STANDARD"
	TierStandardIA        = "STANDARD_IA"
	TierOneZoneIA         = "ONEZONE_IA"
	TierReducedRedundancy = "REDUCED_REDUNDANCY"
	TierGlacierIR         = "GLACIER_IR"
	TierGlacier           = "GLACIER"
	TierDeepArchive       = "DEEP_ARCHIVE"
	TierIntelligent       = "INTELLIGENT_TIERING"
)

// StorageTierInfo describes a storage class
type StorageTierInfo struct {
	Name string `json:"name"`

	// Instant tiers return objects on GET; the others need a restore first
	Instant bool `json:"instant"`

	// MinimumStorageDays is the minimum billable storage period
	MinimumStorageDays int `json:"minimum_storage_days"`

	StorageClass s3types.StorageClass `json:"-"`
}

// StorageTiers lists the known storage classes
var StorageTiers = map[string]StorageTierInfo{
	TierStandard:          {Name: "Standard", Instant: true, StorageClass: s3types.StorageClassStandard},
	TierStandardIA:        {Name: "Standard-Infrequent Access", Instant: true, MinimumStorageDays: 30, StorageClass: s3types.StorageClassStandardIa},
	TierOneZoneIA:         {Name: "One Zone-Infrequent Access", Instant: true, MinimumStorageDays: 30, StorageClass: s3types.StorageClassOnezoneIa},
	TierReducedRedundancy: {Name: "Reduced Redundancy", Instant: true, StorageClass: s3types.StorageClassReducedRedundancy},
	TierGlacierIR:         {Name: "Glacier Instant Retrieval", Instant: true, MinimumStorageDays: 90, StorageClass: s3types.StorageClassGlacierIr},
	TierGlacier:           {Name: "Glacier Flexible Retrieval", MinimumStorageDays: 90, StorageClass: s3types.StorageClassGlacier},
	TierDeepArchive:       {Name: "Glacier Deep Archive", MinimumStorageDays: 180, StorageClass: s3types.StorageClassDeepArchive},
	TierIntelligent:       {Name: "Intelligent Tiering", Instant: true, StorageClass: s3types.StorageClassIntelligentTiering},
}

// storageClass maps a tier name to its storage class, defaulting to Standard
func storageClass(tier string) s3types.StorageClass {
	if info, ok := StorageTiers[tier]; ok {
		return info.StorageClass
	}
	return s3types.StorageClassStandard
}
