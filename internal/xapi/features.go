package xapi

const (
	createPostOperation = "a1p9RWpkYKBjWv_I3WzS-A/CreateTweet"
	searchOperation     = "U3QTLwGF8sZCHDuWIMSAmg/SearchTimeline"
	graphQLPathPrefix   = "/i/api/graphql/"
	homeTimelinePath    = "/i/api/2/timeline/home.json"
)

// createPostFeatures is the feature set the web client sends with CreateTweet.
var createPostFeatures = map[string]bool{
	"interactive_text_enabled":                                                true,
	"longform_notetweets_inline_media_enabled":                                false,
	"responsive_web_text_conversations_enabled":                               false,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": false,
	"vibe_api_enabled":                                                        false,
	"rweb_lists_timeline_redesign_enabled":                                    true,
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"tweetypie_unmention_optimization_enabled":                                true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"tweet_awards_web_tipping_enabled":                                        false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"longform_notetweets_rich_text_read_enabled":                              true,
	"responsive_web_enhance_cards_enabled":                                    false,
	"subscriptions_verification_info_enabled":                                 true,
	"subscriptions_verification_info_reason_enabled":                          true,
	"subscriptions_verification_info_verified_since_enabled":                  true,
	"super_follow_badge_privacy_enabled":                                      false,
	"super_follow_exclusive_tweet_notifications_enabled":                      false,
	"super_follow_tweet_api_enabled":                                          false,
	"super_follow_user_api_enabled":                                           false,
	"android_graphql_skip_api_media_color_palette":                            false,
	"creator_subscriptions_subscription_count_enabled":                        false,
	"blue_business_profile_image_shape_enabled":                               false,
	"unified_cards_ad_metadata_container_dynamic_card_content_query_enabled":  false,
	"rweb_video_timestamps_enabled":                                           false,
	"c9s_tweet_anatomy_moderator_badge_enabled":                               false,
	"responsive_web_twitter_article_tweet_consumption_enabled":                false,
}

// searchFeatures is the feature set the web client sends with SearchTimeline.
var searchFeatures = map[string]bool{
	"profile_label_improvements_pcf_label_in_post_enabled":                    true,
	"rweb_tipjar_consumption_enabled":                                         true,
	"responsive_web_graphql_exclude_directive_enabled":                        true,
	"verified_phone_label_enabled":                                            false,
	"creator_subscriptions_tweet_preview_api_enabled":                         true,
	"responsive_web_graphql_timeline_navigation_enabled":                      true,
	"responsive_web_graphql_skip_user_profile_image_extensions_enabled":       false,
	"premium_content_api_read_enabled":                                        false,
	"communities_web_enable_tweet_community_results_fetch":                    true,
	"c9s_tweet_anatomy_moderator_badge_enabled":                               true,
	"responsive_web_grok_analyze_button_fetch_trends_enabled":                 false,
	"responsive_web_grok_analyze_post_followups_enabled":                      true,
	"responsive_web_jetfuel_frame":                                            false,
	"responsive_web_grok_share_attachment_enabled":                            true,
	"articles_preview_enabled":                                                true,
	"responsive_web_edit_tweet_api_enabled":                                   true,
	"graphql_is_translatable_rweb_tweet_is_translatable_enabled":              true,
	"view_counts_everywhere_api_enabled":                                      true,
	"longform_notetweets_consumption_enabled":                                 true,
	"responsive_web_twitter_article_tweet_consumption_enabled":                true,
	"tweet_awards_web_tipping_enabled":                                        false,
	"responsive_web_grok_analysis_button_from_backend":                        true,
	"creator_subscriptions_quote_tweet_preview_enabled":                       false,
	"freedom_of_speech_not_reach_fetch_enabled":                               true,
	"standardized_nudges_misinfo":                                             true,
	"tweet_with_visibility_results_prefer_gql_limited_actions_policy_enabled": true,
	"rweb_video_timestamps_enabled":                                           true,
	"longform_notetweets_rich_text_read_enabled":                              true,
	"longform_notetweets_inline_media_enabled":                                true,
	"responsive_web_grok_image_annotation_enabled":                            false,
	"responsive_web_enhance_cards_enabled":                                    false,
}
